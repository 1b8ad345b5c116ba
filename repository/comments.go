package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskshare/docstore"
	"taskshare/domain"
)

// Comments stores replies to public tasks.
type Comments struct {
	store  docstore.Client
	tasks  *Tasks
	logger *log.Logger
	opts   options
}

// NewComments creates a comment repository. tasks is consulted to confirm a
// task is still public before a comment is written.
func NewComments(store docstore.Client, tasks *Tasks, logger *log.Logger, opts ...Option) *Comments {
	if store == nil || tasks == nil {
		panic("repository.NewComments: store and tasks are required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Comments{store: store, tasks: tasks, logger: logger, opts: buildOptions(opts)}
}

// CreateComment adds a comment to a public task and returns its id.
func (r *Comments) CreateComment(ctx context.Context, taskID, author, authorDisplayName, text string) (id string, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "comments.create", withTaskID(taskID))
	defer func() { endSpan(span, err) }()

	body, err := domain.RequireText("text", text)
	if err != nil {
		return "", err
	}
	switch {
	case taskID == "":
		return "", &domain.ValidationError{Field: "taskId", Reason: "must not be empty"}
	case author == "":
		return "", &domain.ValidationError{Field: "author", Reason: "must not be empty"}
	case authorDisplayName == "":
		return "", &domain.ValidationError{Field: "authorDisplayName", Reason: "must not be empty"}
	}

	if _, err := r.tasks.GetPublicTask(ctx, taskID); err != nil {
		return "", err
	}

	id, err = r.store.AddDocument(ctx, CommentsCollection, docstore.Fields{
		"taskId":            taskID,
		"author":            author,
		"authorDisplayName": authorDisplayName,
		"text":              body,
		"createdAt":         r.opts.now().UnixMilli(),
	})
	if err != nil {
		return "", domain.Unavailable("createComment", err)
	}
	span.SetAttributes(attribute.String("comment.id", id))

	// The task may have been deleted, and its comments purged, after the
	// check above. Withdraw the comment so it is not left behind.
	if _, cerr := r.tasks.GetPublicTask(ctx, taskID); cerr != nil {
		if !errors.Is(cerr, domain.ErrNotFound) {
			r.logger.WithError(cerr).WithField("comment", id).Warn("could not confirm task after adding comment")
			return id, nil
		}
		if derr := r.store.DeleteDocument(ctx, CommentsCollection, id); derr != nil && !errors.Is(derr, docstore.ErrNotFound) {
			r.logger.WithError(derr).WithField("comment", id).Error("failed to withdraw comment on removed task")
		}
		return "", domain.ErrNotFound
	}
	return id, nil
}

// ListComments returns the comments of a task, oldest first. The task itself
// is not checked.
func (r *Comments) ListComments(ctx context.Context, taskID string) (comments []domain.Comment, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "comments.list", withTaskID(taskID))
	defer func() { endSpan(span, err) }()

	docs, err := r.store.Query(ctx, commentsQuery(taskID))
	if err != nil {
		return nil, domain.Unavailable("listComments", err)
	}
	comments = make([]domain.Comment, 0, len(docs))
	for _, d := range docs {
		c, derr := decodeComment(d.ID, d.Fields)
		if derr != nil {
			r.logger.WithError(derr).WithField("comment", d.ID).Warn("skipping unreadable comment document")
			continue
		}
		comments = append(comments, c)
	}
	span.SetAttributes(attribute.Int("comments.count", len(comments)))
	return comments, nil
}

// DeleteCommentsForTask removes every comment of a task and reports how many
// were deleted. Comments already gone are not counted.
func (r *Comments) DeleteCommentsForTask(ctx context.Context, taskID string) (deleted int, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "comments.delete_for_task", withTaskID(taskID))
	defer func() { endSpan(span, err) }()

	docs, err := r.store.Query(ctx, commentsQuery(taskID))
	if err != nil {
		return 0, domain.Unavailable("deleteCommentsForTask", err)
	}
	for _, d := range docs {
		derr := r.store.DeleteDocument(ctx, CommentsCollection, d.ID)
		if errors.Is(derr, docstore.ErrNotFound) {
			continue
		}
		if derr != nil {
			return deleted, domain.Unavailable("deleteCommentsForTask", fmt.Errorf("comment %s: %w", d.ID, derr))
		}
		deleted++
	}
	span.SetAttributes(attribute.Int("comments.deleted", deleted))
	return deleted, nil
}

func commentsQuery(taskID string) docstore.Query {
	return docstore.Query{
		Collection: CommentsCollection,
		Filters:    []docstore.Filter{{Field: "taskId", Value: taskID}},
		OrderBy:    []docstore.Order{{Field: "createdAt"}},
	}
}

func decodeComment(id string, f docstore.Fields) (domain.Comment, error) {
	taskID, ok1 := f.String("taskId")
	author, ok2 := f.String("author")
	text, ok3 := f.String("text")
	created, ok4 := f.Int64("createdAt")
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return domain.Comment{}, errMalformedDocument
	}
	name, _ := f.String("authorDisplayName")
	return domain.Comment{
		ID:                id,
		TaskID:            taskID,
		Author:            author,
		AuthorDisplayName: name,
		Text:              text,
		CreatedAt:         time.UnixMilli(created).UTC(),
	}, nil
}
