package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisTransport maps each topic onto a redis pub/sub channel of the same name.
type RedisTransport struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redis.PubSub]struct{}
	closed bool
}

func DialRedis(ctx context.Context, redisURL string) (*RedisTransport, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("%w: redis url: %v", ErrInvalidArgument, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &RedisTransport{client: client, subs: make(map[*redis.PubSub]struct{})}, nil
}

func (t *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.client.Publish(ctx, topic, payload).Err()
}

func (t *RedisTransport) Subscribe(ctx context.Context, topic string, handler MessageHandler) (Subscription, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errTransportClosed
	}
	t.mu.Unlock()

	ps := t.client.Subscribe(ctx, topic)
	// Receive waits for the subscription confirmation so no publish after return is missed.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", topic, err)
	}
	t.mu.Lock()
	t.subs[ps] = struct{}{}
	t.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			handler(topic, []byte(msg.Payload))
		}
	}()

	var once sync.Once
	return &subscriptionFunc{topic: topic, cancel: func() {
		once.Do(func() {
			t.mu.Lock()
			delete(t.subs, ps)
			t.mu.Unlock()
			_ = ps.Close()
		})
	}}, nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for ps := range subs {
		_ = ps.Close()
	}
	return t.client.Close()
}
