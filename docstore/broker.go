package docstore

import (
	"context"
	"sync"
)

// Broker is an in-process Notifier. Publish blocks until every open listener
// has accepted the change, so no listener misses one.
type Broker struct {
	mu        sync.Mutex
	listeners map[*brokerListener]struct{}
}

// NewBroker returns a Broker with no listeners.
func NewBroker() *Broker {
	return &Broker{listeners: make(map[*brokerListener]struct{})}
}

type brokerListener struct {
	broker    *Broker
	ch        chan Change
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func (b *Broker) Listen(ctx context.Context) (Listener, error) {
	l := &brokerListener{
		broker: b,
		ch:     make(chan Change, 16),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	go func() {
		select {
		case <-ctx.Done():
			_ = l.Close()
		case <-l.closed:
		}
	}()
	return l, nil
}

func (b *Broker) Publish(ctx context.Context, ch Change) error {
	b.mu.Lock()
	targets := make([]*brokerListener, 0, len(b.listeners))
	for l := range b.listeners {
		l.wg.Add(1)
		targets = append(targets, l)
	}
	b.mu.Unlock()

	var err error
	for _, l := range targets {
		if err == nil {
			select {
			case l.ch <- ch:
			case <-l.closed:
			case <-ctx.Done():
				err = ctx.Err()
			}
		}
		l.wg.Done()
	}
	return err
}

func (b *Broker) remove(l *brokerListener) {
	b.mu.Lock()
	delete(b.listeners, l)
	b.mu.Unlock()
}

func (l *brokerListener) Changes() <-chan Change { return l.ch }

func (l *brokerListener) Close() error {
	l.closeOnce.Do(func() {
		l.broker.remove(l)
		close(l.closed)
		// in-flight publishers observe closed and return before ch is closed
		l.wg.Wait()
		close(l.ch)
	})
	return nil
}
