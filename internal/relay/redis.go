package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"classbridge/pkg/types"
)

// RedisTransport is the production broker: one pub/sub channel for fan-out
// envelopes and the Redis key space for the ephemeral caches.
//
// The connection is established lazily on first use and cached. A connection
// failure is logged once, after which the transport latches into no-op
// behavior for the remainder of the process lifetime: the gateway degrades
// to single-instance semantics instead of crashing or retrying forever.
type RedisTransport struct {
	addr     string
	password string
	db       int

	connectOnce sync.Once
	client      *redis.Client

	degraded    atomic.Bool
	degradeOnce sync.Once
}

// NewRedisTransport creates a transport for the given Redis address.
// No connection is attempted until the first operation.
func NewRedisTransport(addr, password string, db int) *RedisTransport {
	return &RedisTransport{addr: addr, password: password, db: db}
}

// connect dials Redis exactly once and reports whether the transport is
// usable. All operations funnel through here.
func (t *RedisTransport) connect(ctx context.Context) bool {
	t.connectOnce.Do(func() {
		client := redis.NewClient(&redis.Options{
			Addr:     t.addr,
			Password: t.password,
			DB:       t.db,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			t.degrade(err)
			_ = client.Close()
			return
		}
		t.client = client
	})
	return !t.degraded.Load() && t.client != nil
}

// degrade latches the transport into no-op mode, logging only once.
func (t *RedisTransport) degrade(err error) {
	t.degradeOnce.Do(func() {
		log.Printf("relay: redis unavailable, degrading to single-instance mode: %v", err)
	})
	t.degraded.Store(true)
}

// Publish sends an envelope on the fan-out channel.
func (t *RedisTransport) Publish(ctx context.Context, envelope *types.Envelope) error {
	if !t.connect(ctx) {
		return nil
	}
	data, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	if err := t.client.Publish(ctx, FanoutChannel, data).Err(); err != nil {
		t.degrade(err)
	}
	return nil
}

// Subscribe consumes the fan-out channel in a background goroutine until
// ctx is cancelled. Malformed payloads are logged and skipped.
func (t *RedisTransport) Subscribe(ctx context.Context, handler func(*types.Envelope)) error {
	if !t.connect(ctx) {
		return nil
	}
	pubsub := t.client.Subscribe(ctx, FanoutChannel)

	go func() {
		defer func() {
			_ = pubsub.Close()
		}()
		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var envelope types.Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					log.Printf("relay: dropping malformed envelope: %v", err)
					continue
				}
				handler(&envelope)
			case <-ctx.Done():
				return
			}
		}
	}()

	return nil
}

// Set writes a key with a TTL.
func (t *RedisTransport) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if !t.connect(ctx) {
		return nil
	}
	if err := t.client.Set(ctx, key, value, ttl).Err(); err != nil {
		t.degrade(err)
	}
	return nil
}

// Get reads a key; absent or expired keys return (nil, nil).
func (t *RedisTransport) Get(ctx context.Context, key string) ([]byte, error) {
	if !t.connect(ctx) {
		return nil, nil
	}
	data, err := t.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		t.degrade(err)
		return nil, nil
	}
	return data, nil
}

// Delete removes a key; absent keys are not an error.
func (t *RedisTransport) Delete(ctx context.Context, key string) error {
	if !t.connect(ctx) {
		return nil
	}
	if err := t.client.Del(ctx, key).Err(); err != nil {
		t.degrade(err)
	}
	return nil
}

// Close releases the Redis client if one was ever connected.
func (t *RedisTransport) Close() error {
	if t.client != nil {
		return t.client.Close()
	}
	return nil
}
