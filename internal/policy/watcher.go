package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/casbin/casbin/v2/persist"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	gobreaker "github.com/sony/gobreaker/v2"
)

// DefaultChannel carries policy invalidation notices.
const DefaultChannel = "authz:policy:invalidate"

const publishTimeout = 2 * time.Second

// RedisWatcher broadcasts invalidations over Redis pub/sub so every process
// serving decisions drops its enforcer after a write anywhere. Publishing
// goes through a circuit breaker: while Redis is down notices are dropped
// immediately and remote instances converge when their snapshots are rebuilt.
type RedisWatcher struct {
	client  redis.UniversalClient
	channel string
	id      string
	logger  *slog.Logger
	sub     *redis.PubSub
	cb      *gobreaker.CircuitBreaker[struct{}]

	mu       sync.RWMutex
	callback func(string)
	done     chan struct{}
	once     sync.Once
}

var _ persist.Watcher = (*RedisWatcher)(nil)

// NewRedisWatcher subscribes to channel and starts dispatching notices.
func NewRedisWatcher(ctx context.Context, client redis.UniversalClient, channel string, logger *slog.Logger) (*RedisWatcher, error) {
	if client == nil {
		return nil, errors.New("policy: redis client required")
	}
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	sub := client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("policy: subscribe %s: %w", channel, err)
	}
	w := &RedisWatcher{
		client:  client,
		channel: channel,
		id:      uuid.NewString(),
		logger:  logger,
		sub:     sub,
		cb:      newPublishBreaker(logger),
		done:    make(chan struct{}),
	}
	go w.listen()
	return w, nil
}

// ID identifies this process in published notices.
func (w *RedisWatcher) ID() string { return w.id }

// SetUpdateCallback registers the function run for notices from other processes.
func (w *RedisWatcher) SetUpdateCallback(fn func(string)) error {
	w.mu.Lock()
	w.callback = fn
	w.mu.Unlock()
	return nil
}

// Update publishes an invalidation notice. It returns gobreaker.ErrOpenState
// without touching Redis after repeated publish failures.
func (w *RedisWatcher) Update() error {
	_, err := w.cb.Execute(func() (struct{}, error) {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		return struct{}{}, w.client.Publish(ctx, w.channel, w.id).Err()
	})
	if err != nil {
		return fmt.Errorf("policy: publish invalidation: %w", err)
	}
	return nil
}

func newPublishBreaker(logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "policy-watcher",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
		},
	})
}

// Close stops listening.
func (w *RedisWatcher) Close() {
	w.once.Do(func() {
		close(w.done)
		if err := w.sub.Close(); err != nil {
			w.logger.Warn("policy watcher close", slog.Any("error", err))
		}
	})
}

func (w *RedisWatcher) listen() {
	ch := w.sub.Channel()
	for {
		select {
		case <-w.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if msg.Payload == w.id {
				continue
			}
			w.mu.RLock()
			fn := w.callback
			w.mu.RUnlock()
			if fn != nil {
				fn(msg.Payload)
			}
		}
	}
}
