package repository

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Collections holding tasks and comments.
const (
	TasksCollection    = "tasks"
	CommentsCollection = "comments"
)

const (
	tracerName = "taskshare/repository"

	// DefaultDateLayout renders public task dates as day/month/year.
	DefaultDateLayout = "02/01/2006"
)

type options struct {
	now        func() time.Time
	dateLayout string
	location   *time.Location
	tracer     trace.Tracer
	cleaner    CommentCleaner
}

// Option customizes a repository.
type Option func(*options)

// WithClock overrides the time source used for createdAt.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithDateFormat sets how public task dates are rendered.
func WithDateFormat(layout string, loc *time.Location) Option {
	return func(o *options) {
		if layout != "" {
			o.dateLayout = layout
		}
		if loc != nil {
			o.location = loc
		}
	}
}

// WithTracer overrides the tracer used for repository spans.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithCommentCleaner sets what removes comments of deleted tasks.
func WithCommentCleaner(c CommentCleaner) Option {
	return func(o *options) { o.cleaner = c }
}

func buildOptions(opts []Option) options {
	o := options{
		now:        time.Now,
		dateLayout: DefaultDateLayout,
		location:   time.UTC,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.tracer == nil {
		o.tracer = otel.Tracer(tracerName)
	}
	return o
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
