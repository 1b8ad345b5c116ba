package repository

import (
	"sync"

	"taskshare/docstore"
	"taskshare/domain"
)

// TaskSubscription is a live listing of one owner's tasks. Each value on
// Updates is the complete current list; a slow reader only sees the newest.
type TaskSubscription struct {
	inner     *docstore.Subscription
	updates   chan []domain.Task
	done      chan struct{}
	closeOnce sync.Once
}

func newTaskSubscription(inner *docstore.Subscription, decode func([]docstore.Document) []domain.Task) *TaskSubscription {
	s := &TaskSubscription{
		inner:   inner,
		updates: make(chan []domain.Task, 1),
		done:    make(chan struct{}),
	}
	go s.run(decode)
	return s
}

// Updates returns the snapshot stream. It is closed when the subscription ends.
func (s *TaskSubscription) Updates() <-chan []domain.Task { return s.updates }

// Done is closed once the underlying listener has been released.
func (s *TaskSubscription) Done() <-chan struct{} { return s.done }

// Close releases the underlying listener. Safe to call more than once.
func (s *TaskSubscription) Close() error {
	s.closeOnce.Do(func() { s.inner.Close() })
	<-s.done
	return nil
}

func (s *TaskSubscription) run(decode func([]docstore.Document) []domain.Task) {
	defer close(s.done)
	defer close(s.updates)
	for docs := range s.inner.Updates() {
		tasks := decode(docs)
		select {
		case s.updates <- tasks:
			continue
		default:
		}
		select {
		case <-s.updates:
		default:
		}
		s.updates <- tasks
	}
}
