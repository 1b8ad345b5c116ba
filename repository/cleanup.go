package repository

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"taskshare/domain"
)

// CommentCleaner arranges for the comments of a deleted task to be removed.
type CommentCleaner interface {
	ScheduleCleanup(ctx context.Context, taskID string) error
}

// CommentPurger deletes the comments of one task.
type CommentPurger interface {
	DeleteCommentsForTask(ctx context.Context, taskID string) (int, error)
}

// InlineCleaner removes comments synchronously during the delete call.
type InlineCleaner struct {
	Comments CommentPurger
	Logger   *log.Logger
}

func (c InlineCleaner) ScheduleCleanup(ctx context.Context, taskID string) error {
	n, err := c.Comments.DeleteCommentsForTask(ctx, taskID)
	if err != nil {
		return err
	}
	if c.Logger != nil && n > 0 {
		c.Logger.WithFields(log.Fields{"task": taskID, "comments": n}).Debug("comments removed")
	}
	return nil
}

// CleanupSource yields queued cleanup jobs. Dequeue returns nil, nil when
// nothing is waiting, and a job together with an error when a message is
// unreadable.
type CleanupSource interface {
	Dequeue(ctx context.Context) (*domain.CleanupJob, error)
	Ack(ctx context.Context, job *domain.CleanupJob) error
}

// CleanupWorker drains a CleanupSource. A job is acknowledged only after its
// comments are gone; failed jobs become visible again and are retried.
type CleanupWorker struct {
	Source       CleanupSource
	Comments     CommentPurger
	Logger       *log.Logger
	PollInterval time.Duration
	Tracer       trace.Tracer
}

// Run processes jobs until ctx is done.
func (w *CleanupWorker) Run(ctx context.Context) {
	logger := w.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	tracer := w.Tracer
	if tracer == nil {
		tracer = buildOptions(nil).tracer
	}
	interval := w.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		job, err := w.Source.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if job != nil {
				w.drop(ctx, logger, job, err)
				continue
			}
			logger.WithError(err).Warn("cleanup dequeue failed")
			sleep(ctx, interval)
			continue
		}
		if job == nil {
			sleep(ctx, interval)
			continue
		}
		w.process(ctx, tracer, logger, job)
	}
}

func (w *CleanupWorker) process(ctx context.Context, tracer trace.Tracer, logger *log.Logger, job *domain.CleanupJob) {
	ctx, span := tracer.Start(ctx, "comments.cleanup", withTaskID(job.TaskID))
	var err error
	defer func() { endSpan(span, err) }()

	entry := logger.WithFields(log.Fields{"task": job.TaskID, "attempt": job.Attempt})
	n, err := w.Comments.DeleteCommentsForTask(ctx, job.TaskID)
	if err != nil {
		entry.WithError(err).Warn("comment cleanup failed")
		return
	}
	if err = w.Source.Ack(ctx, job); err != nil {
		entry.WithError(err).Warn("failed to ack cleanup job")
		return
	}
	span.SetAttributes(attribute.Int("comments.deleted", n))
	entry.WithField("comments", n).Debug("cleanup job done")
}

// drop acknowledges a job that can never succeed so it stops reappearing.
func (w *CleanupWorker) drop(ctx context.Context, logger *log.Logger, job *domain.CleanupJob, cause error) {
	entry := logger.WithError(cause).WithField("message", job.MessageID)
	if err := w.Source.Ack(ctx, job); err != nil {
		entry.WithField("ack_error", err.Error()).Error("failed to drop unreadable cleanup job")
		return
	}
	entry.Error("dropped unreadable cleanup job")
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func withTaskID(id string) trace.SpanStartOption {
	return trace.WithAttributes(attribute.String("task.id", id))
}
