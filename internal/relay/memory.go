package relay

import (
	"context"
	"sync"
	"time"

	"classbridge/pkg/types"
)

// memoryEntry is one TTL-bound cache value.
type memoryEntry struct {
	value   []byte
	expires time.Time
}

// MemoryTransport is the single-instance broker: envelopes are fanned out
// to in-process subscribers and cache entries live in a TTL map. Selected
// at startup when no Redis address is configured, and shared between Relay
// instances in tests to simulate a multi-process broker.
// FUNCTIONAL DISCOVERY: Synchronous delivery keeps multi-instance tests
// deterministic; the Redis transport is the asynchronous path
type MemoryTransport struct {
	mu          sync.Mutex
	subscribers []func(*types.Envelope)
	store       map[string]memoryEntry
	now         func() time.Time
	closed      bool
}

// NewMemoryTransport creates an in-process transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		store: make(map[string]memoryEntry),
		now:   time.Now,
	}
}

// SetClock replaces the transport's time source. Test hook for TTL expiry.
func (t *MemoryTransport) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// Publish delivers the envelope to every subscriber, including any
// registered by the publishing process itself (loop prevention happens in
// the relay, mirroring real broker behavior).
func (t *MemoryTransport) Publish(ctx context.Context, envelope *types.Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	subscribers := make([]func(*types.Envelope), len(t.subscribers))
	copy(subscribers, t.subscribers)
	t.mu.Unlock()

	for _, handler := range subscribers {
		handler(envelope)
	}
	return nil
}

// Subscribe registers a handler for all published envelopes.
func (t *MemoryTransport) Subscribe(ctx context.Context, handler func(*types.Envelope)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.subscribers = append(t.subscribers, handler)
	return nil
}

// Set writes a key with a TTL; last write wins.
func (t *MemoryTransport) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrTransportClosed
	}
	t.store[key] = memoryEntry{value: value, expires: t.now().Add(ttl)}
	return nil
}

// Get reads a key, expiring it lazily. Absent and expired both return
// (nil, nil) so reads after TTL never observe stale data.
func (t *MemoryTransport) Get(ctx context.Context, key string) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, exists := t.store[key]
	if !exists {
		return nil, nil
	}
	if t.now().After(entry.expires) {
		delete(t.store, key)
		return nil, nil
	}
	return entry.value, nil
}

// Delete removes a key; absent keys are not an error.
func (t *MemoryTransport) Delete(ctx context.Context, key string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.store, key)
	return nil
}

// Close drops all subscribers and cached entries.
func (t *MemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.subscribers = nil
	t.store = make(map[string]memoryEntry)
	return nil
}
