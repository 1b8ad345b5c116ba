package api

import (
	"context"
	"net/http"

	"taskshare/domain"
	"taskshare/repository"
)

// TaskService is the task repository as seen by the handlers.
type TaskService interface {
	CreateTask(ctx context.Context, owner, text string, isPublic bool) (string, error)
	ListOwnedTasks(ctx context.Context, owner string) ([]domain.Task, error)
	SubscribeOwnedTasks(ctx context.Context, owner string) (*repository.TaskSubscription, error)
	DeleteTask(ctx context.Context, taskID string) error
	GetPublicTask(ctx context.Context, taskID string) (domain.PublicTask, error)
	OwnedTask(ctx context.Context, taskID, owner string) (domain.Task, error)
}

// CommentService is the comment repository as seen by the handlers.
type CommentService interface {
	CreateComment(ctx context.Context, taskID, author, authorDisplayName, text string) (string, error)
	ListComments(ctx context.Context, taskID string) ([]domain.Comment, error)
}

// SessionAccessor resolves the user behind a request. A nil session with a
// nil error means the request is anonymous.
type SessionAccessor interface {
	Session(r *http.Request) (*Session, error)
}
