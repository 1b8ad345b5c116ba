package repository

import (
	"context"
	"errors"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"

	"taskshare/docstore"
	"taskshare/domain"
)

// Tasks mediates task reads and writes against the document store. It holds
// no state of its own.
type Tasks struct {
	store  docstore.Client
	logger *log.Logger
	opts   options
}

// NewTasks creates a task repository on top of store.
func NewTasks(store docstore.Client, logger *log.Logger, opts ...Option) *Tasks {
	if store == nil {
		panic("repository.NewTasks: store is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Tasks{store: store, logger: logger, opts: buildOptions(opts)}
}

// CreateTask stores a new task for owner and returns its id. Empty text is
// rejected before the store is contacted.
func (r *Tasks) CreateTask(ctx context.Context, owner, text string, isPublic bool) (id string, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "tasks.create")
	defer func() { endSpan(span, err) }()

	body, err := domain.RequireText("text", text)
	if err != nil {
		return "", err
	}
	if owner == "" {
		return "", &domain.ValidationError{Field: "owner", Reason: "must not be empty"}
	}
	span.SetAttributes(attribute.Bool("task.public", isPublic))

	id, err = r.store.AddDocument(ctx, TasksCollection, docstore.Fields{
		"text":      body,
		"owner":     owner,
		"isPublic":  isPublic,
		"createdAt": r.opts.now().UnixMilli(),
	})
	if err != nil {
		return "", domain.Unavailable("createTask", err)
	}
	span.SetAttributes(attribute.String("task.id", id))
	return id, nil
}

// ListOwnedTasks returns owner's tasks, newest first.
func (r *Tasks) ListOwnedTasks(ctx context.Context, owner string) (tasks []domain.Task, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "tasks.list_owned")
	defer func() { endSpan(span, err) }()

	docs, err := r.store.Query(ctx, ownedTasksQuery(owner))
	if err != nil {
		return nil, domain.Unavailable("listOwnedTasks", err)
	}
	tasks = r.decodeTasks(docs)
	span.SetAttributes(attribute.Int("tasks.count", len(tasks)))
	return tasks, nil
}

// SubscribeOwnedTasks opens a live listing of owner's tasks, newest first.
// The caller must Close the subscription; a different owner needs a new one.
func (r *Tasks) SubscribeOwnedTasks(ctx context.Context, owner string) (sub *TaskSubscription, err error) {
	_, span := r.opts.tracer.Start(ctx, "tasks.subscribe_owned")
	defer func() { endSpan(span, err) }()

	inner, err := r.store.Subscribe(ctx, ownedTasksQuery(owner))
	if err != nil {
		return nil, domain.Unavailable("subscribeOwnedTasks", err)
	}
	return newTaskSubscription(inner, r.decodeTasks), nil
}

// DeleteTask removes a task permanently. Deleting a missing task succeeds.
// Ownership is the caller's responsibility.
func (r *Tasks) DeleteTask(ctx context.Context, taskID string) (err error) {
	ctx, span := r.opts.tracer.Start(ctx, "tasks.delete", withTaskID(taskID))
	defer func() { endSpan(span, err) }()

	err = r.store.DeleteDocument(ctx, TasksCollection, taskID)
	switch {
	case errors.Is(err, docstore.ErrNotFound):
		return nil
	case err != nil:
		return domain.Unavailable("deleteTask", err)
	}
	if r.opts.cleaner != nil {
		if cerr := r.opts.cleaner.ScheduleCleanup(ctx, taskID); cerr != nil {
			r.logger.WithError(cerr).WithField("task", taskID).Error("failed to schedule comment cleanup")
		}
	}
	return nil
}

// GetPublicTask returns a public task with its rendered creation date.
// Missing and private tasks yield the same domain.ErrNotFound.
func (r *Tasks) GetPublicTask(ctx context.Context, taskID string) (pt domain.PublicTask, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "tasks.get_public", withTaskID(taskID))
	defer func() { endSpan(span, err) }()

	task, err := r.load(ctx, "getPublicTask", taskID)
	if err != nil {
		return domain.PublicTask{}, err
	}
	if !task.IsPublic {
		return domain.PublicTask{}, domain.ErrNotFound
	}
	return domain.PublicTask{
		Task:        task,
		CreatedDate: task.CreatedAt.In(r.opts.location).Format(r.opts.dateLayout),
	}, nil
}

// OwnedTask returns a task only when owner created it.
func (r *Tasks) OwnedTask(ctx context.Context, taskID, owner string) (task domain.Task, err error) {
	ctx, span := r.opts.tracer.Start(ctx, "tasks.get_owned", withTaskID(taskID))
	defer func() { endSpan(span, err) }()

	task, err = r.load(ctx, "ownedTask", taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if owner == "" || task.Owner != owner {
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (r *Tasks) load(ctx context.Context, op, taskID string) (domain.Task, error) {
	if taskID == "" {
		return domain.Task{}, domain.ErrNotFound
	}
	fields, err := r.store.GetDocument(ctx, TasksCollection, taskID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return domain.Task{}, domain.ErrNotFound
		}
		return domain.Task{}, domain.Unavailable(op, err)
	}
	task, err := decodeTask(taskID, fields)
	if err != nil {
		r.logger.WithError(err).WithField("task", taskID).Error("unreadable task document")
		return domain.Task{}, domain.ErrNotFound
	}
	return task, nil
}

func (r *Tasks) decodeTasks(docs []docstore.Document) []domain.Task {
	tasks := make([]domain.Task, 0, len(docs))
	for _, d := range docs {
		t, err := decodeTask(d.ID, d.Fields)
		if err != nil {
			r.logger.WithError(err).WithField("task", d.ID).Warn("skipping unreadable task document")
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks
}

func ownedTasksQuery(owner string) docstore.Query {
	return docstore.Query{
		Collection: TasksCollection,
		Filters:    []docstore.Filter{{Field: "owner", Value: owner}},
		OrderBy:    []docstore.Order{{Field: "createdAt", Descending: true}},
	}
}

var errMalformedDocument = errors.New("malformed document")

func decodeTask(id string, f docstore.Fields) (domain.Task, error) {
	text, ok1 := f.String("text")
	owner, ok2 := f.String("owner")
	created, ok3 := f.Int64("createdAt")
	if !ok1 || !ok2 || !ok3 {
		return domain.Task{}, errMalformedDocument
	}
	public, _ := f.Bool("isPublic")
	return domain.Task{
		ID:        id,
		Text:      text,
		Owner:     owner,
		IsPublic:  public,
		CreatedAt: time.UnixMilli(created).UTC(),
	}, nil
}
