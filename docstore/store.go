package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Store implements Client on top of a Backend and a Notifier.
type Store struct {
	backend  Backend
	notifier Notifier
	logger   *log.Logger
	newID    func() string
}

// New creates a Store. The notifier must be shared by every Store that
// writes to the same backend for subscriptions to observe each other's writes.
func New(backend Backend, notifier Notifier, logger *log.Logger) *Store {
	if backend == nil {
		panic("docstore.New: backend is nil")
	}
	if notifier == nil {
		panic("docstore.New: notifier is nil")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Store{backend: backend, notifier: notifier, logger: logger, newID: uuid.NewString}
}

// AddDocument inserts fields under a new id and returns it.
func (s *Store) AddDocument(ctx context.Context, collection string, fields Fields) (string, error) {
	id := s.newID()
	stored := fields.clone()
	if err := s.backend.Insert(ctx, collection, id, stored); err != nil {
		return "", fmt.Errorf("insert %s/%s: %w", collection, id, err)
	}
	s.publish(ctx, Change{Collection: collection, ID: id, Type: ChangeAdded, Fields: stored})
	return id, nil
}

// GetDocument returns the fields of one document or ErrNotFound.
func (s *Store) GetDocument(ctx context.Context, collection, id string) (Fields, error) {
	fields, err := s.backend.Get(ctx, collection, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, err)
	}
	return fields, nil
}

// DeleteDocument removes one document. Missing documents yield ErrNotFound.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	if err := s.backend.Delete(ctx, collection, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("delete %s/%s: %w", collection, id, err)
	}
	s.publish(ctx, Change{Collection: collection, ID: id, Type: ChangeDeleted})
	return nil
}

// Query runs a one-shot filtered and ordered query.
func (s *Store) Query(ctx context.Context, q Query) ([]Document, error) {
	docs, err := s.backend.List(ctx, q.Collection, q.Filters)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", q.Collection, err)
	}
	if docs == nil {
		docs = []Document{}
	}
	sortDocuments(docs, q.OrderBy)
	return docs, nil
}

// Subscribe opens a live query. The first snapshot holds the current result
// set; later snapshots follow every change of it.
func (s *Store) Subscribe(ctx context.Context, q Query) (*Subscription, error) {
	listener, err := s.notifier.Listen(ctx)
	if err != nil {
		return nil, fmt.Errorf("listen for %s changes: %w", q.Collection, err)
	}
	initial, err := s.Query(ctx, q)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		updates: make(chan []Document, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
	}
	sub.offer(initial)
	go sub.run(subCtx, s, q, listener, initial)
	return sub, nil
}

func (s *Store) publish(ctx context.Context, ch Change) {
	if err := s.notifier.Publish(ctx, ch); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{
			"collection": ch.Collection,
			"id":         ch.ID,
			"type":       ch.Type,
		}).Error("unable to publish document change")
	}
}
