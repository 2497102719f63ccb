package interfaces

import (
	"context"
	"time"

	"classbridge/pkg/types"
)

// RelayTransport is the broker abstraction behind the cross-instance relay:
// one pub/sub channel plus a TTL key-value store.
// ARCHITECTURAL DISCOVERY: Selecting the implementation once at startup
// (Redis-backed or in-memory) replaces ad hoc "is the broker configured"
// checks at every call site
type RelayTransport interface {
	// Publish sends an envelope on the well-known channel. Best-effort:
	// no acknowledgment, no retry, no ordering guarantee.
	Publish(ctx context.Context, envelope *types.Envelope) error

	// Subscribe starts delivering every envelope published on the channel,
	// including this process's own, to handler. Call once.
	Subscribe(ctx context.Context, handler func(*types.Envelope)) error

	// Set writes a key with a TTL; last write wins.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get reads a key. Returns (nil, nil) when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Delete removes a key. Absent keys are not an error.
	Delete(ctx context.Context, key string) error

	// Close releases broker resources.
	Close() error
}

// Deliverer is the registry-facing half of the relay subscription: the
// gateway wires incoming envelopes straight into local delivery.
type Deliverer interface {
	Deliver(target types.FanoutTarget, payload []byte) int
}
