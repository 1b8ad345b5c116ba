package docstore

import (
	"context"
	"reflect"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Subscription is a live query. Updates yields full result sets; a consumer
// that falls behind only sees the newest one. Once closed, a subscription
// cannot be restarted.
type Subscription struct {
	updates   chan []Document
	done      chan struct{}
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Updates returns the snapshot stream. It is closed when the subscription ends.
func (s *Subscription) Updates() <-chan []Document { return s.updates }

// Done is closed once the subscription has released its listener.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close stops the subscription and releases its listener. It is safe to call
// more than once.
func (s *Subscription) Close() error {
	s.closeOnce.Do(s.cancel)
	<-s.done
	return nil
}

// offer replaces any undelivered snapshot with docs. Only the run goroutine
// (or Subscribe before starting it) sends, so the second send cannot block.
func (s *Subscription) offer(docs []Document) {
	select {
	case s.updates <- docs:
		return
	default:
	}
	select {
	case <-s.updates:
	default:
	}
	s.updates <- docs
}

func (s *Subscription) run(ctx context.Context, store *Store, q Query, listener Listener, last []Document) {
	defer close(s.done)
	defer close(s.updates)
	defer listener.Close()

	ids := idSet(last)
	changes := listener.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				if ctx.Err() == nil {
					store.logger.WithField("collection", q.Collection).Error("change listener stopped")
				}
				return
			}
			if !relevant(q, ch, ids) {
				continue
			}
			docs, err := store.Query(ctx, q)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				store.logger.WithError(err).WithFields(log.Fields{
					"collection": q.Collection,
					"change":     ch.ID,
				}).Warn("subscription refresh failed")
				continue
			}
			if reflect.DeepEqual(docs, last) {
				continue
			}
			last = docs
			ids = idSet(docs)
			s.offer(docs)
		}
	}
}

func relevant(q Query, ch Change, ids map[string]struct{}) bool {
	if ch.Type == ChangeResync {
		return true
	}
	if ch.Collection != q.Collection {
		return false
	}
	switch ch.Type {
	case ChangeDeleted:
		_, ok := ids[ch.ID]
		return ok
	case ChangeAdded:
		if ch.Fields == nil {
			return true
		}
		return matches(q.Filters, ch.Fields)
	}
	return true
}

func idSet(docs []Document) map[string]struct{} {
	out := make(map[string]struct{}, len(docs))
	for _, d := range docs {
		out[d.ID] = struct{}{}
	}
	return out
}
