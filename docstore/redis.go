package docstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

var changeCodec = sonic.Config{UseInt64: true}.Froze()

// RedisNotifier distributes changes over a Redis pub/sub channel so every
// API instance observes writes made by the others.
type RedisNotifier struct {
	client         *redis.Client
	channel        string
	logger         *log.Logger
	reconnectDelay time.Duration
}

// NewRedisNotifier creates a notifier publishing on channel.
func NewRedisNotifier(client *redis.Client, channel string, logger *log.Logger) *RedisNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &RedisNotifier{client: client, channel: channel, logger: logger, reconnectDelay: time.Second}
}

func (n *RedisNotifier) Publish(ctx context.Context, ch Change) error {
	payload, err := changeCodec.Marshal(ch)
	if err != nil {
		return fmt.Errorf("encode change: %w", err)
	}
	return n.client.Publish(ctx, n.channel, payload).Err()
}

// Listen opens a dedicated pub/sub connection. It returns once Redis has
// confirmed the subscription.
func (n *RedisNotifier) Listen(ctx context.Context) (Listener, error) {
	ps, err := n.subscribe(ctx)
	if err != nil {
		return nil, err
	}
	lctx, cancel := context.WithCancel(ctx)
	l := &redisListener{
		notifier: n,
		out:      make(chan Change, 16),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go l.run(lctx, ps)
	return l, nil
}

func (n *RedisNotifier) subscribe(ctx context.Context) (*redis.PubSub, error) {
	ps := n.client.Subscribe(ctx, n.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", n.channel, err)
	}
	return ps, nil
}

type redisListener struct {
	notifier  *RedisNotifier
	out       chan Change
	cancel    context.CancelFunc
	done      chan struct{}
	closeOnce sync.Once
}

func (l *redisListener) Changes() <-chan Change { return l.out }

func (l *redisListener) Close() error {
	l.closeOnce.Do(l.cancel)
	<-l.done
	return nil
}

func (l *redisListener) run(ctx context.Context, ps *redis.PubSub) {
	defer close(l.done)
	defer close(l.out)
	n := l.notifier
	for {
		if !l.forward(ctx, ps.Channel()) {
			_ = ps.Close()
			return
		}
		_ = ps.Close()
		n.logger.WithField("channel", n.channel).Error("pubsub channel closed, reconnecting")
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(n.reconnectDelay):
			}
			var err error
			ps, err = n.subscribe(ctx)
			if err == nil {
				break
			}
			n.logger.WithError(err).WithField("channel", n.channel).Error("resubscribe failed")
		}
		// messages published while disconnected are gone
		if !l.emit(ctx, Change{Type: ChangeResync}) {
			_ = ps.Close()
			return
		}
	}
}

// forward relays messages until the pub/sub channel closes (true) or ctx is
// done (false).
func (l *redisListener) forward(ctx context.Context, msgs <-chan *redis.Message) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-msgs:
			if !ok {
				return true
			}
			var ch Change
			if err := changeCodec.UnmarshalFromString(msg.Payload, &ch); err != nil {
				l.notifier.logger.WithError(err).Error("unable to parse document change")
				continue
			}
			if !l.emit(ctx, ch) {
				return false
			}
		}
	}
}

func (l *redisListener) emit(ctx context.Context, ch Change) bool {
	select {
	case l.out <- ch:
		return true
	case <-ctx.Done():
		return false
	}
}
