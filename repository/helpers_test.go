package repository

import (
	"context"
	"sync"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"taskshare/docstore"
	"taskshare/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 15, 9, 30, 0, 0, time.UTC)}
}

// Now advances by one second per call so creation order is unambiguous.
func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fixture struct {
	store    *docstore.Store
	tasks    *Tasks
	comments *Comments
	logger   *log.Logger
	hook     *test.Hook
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	logger, hook := test.NewNullLogger()
	store := docstore.New(docstore.NewMemory(), docstore.NewBroker(), logger)
	clock := newFakeClock()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	tasks := NewTasks(store, logger, opts...)
	comments := NewComments(store, tasks, logger, opts...)
	return &fixture{store: store, tasks: tasks, comments: comments, logger: logger, hook: hook}
}

// countingClient fails every call and counts how often it was reached.
type countingClient struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (c *countingClient) hit() {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
}

func (c *countingClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func (c *countingClient) AddDocument(context.Context, string, docstore.Fields) (string, error) {
	c.hit()
	return "", c.err
}

func (c *countingClient) GetDocument(context.Context, string, string) (docstore.Fields, error) {
	c.hit()
	return nil, c.err
}

func (c *countingClient) DeleteDocument(context.Context, string, string) error {
	c.hit()
	return c.err
}

func (c *countingClient) Query(context.Context, docstore.Query) ([]docstore.Document, error) {
	c.hit()
	return nil, c.err
}

func (c *countingClient) Subscribe(context.Context, docstore.Query) (*docstore.Subscription, error) {
	c.hit()
	return nil, c.err
}

func nextTasks(t *testing.T, sub *TaskSubscription) []domain.Task {
	t.Helper()
	select {
	case tasks, ok := <-sub.Updates():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return tasks
	case <-time.After(2 * time.Second):
		t.Fatal("no snapshot received")
	}
	return nil
}

func taskTexts(tasks []domain.Task) []string {
	out := make([]string, len(tasks))
	for i, task := range tasks {
		out[i] = task.Text
	}
	return out
}
