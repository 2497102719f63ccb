package relay

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"classbridge/pkg/interfaces"
	"classbridge/pkg/types"
)

// Well-known broker names. The channel is tenant-agnostic: tenant scoping
// lives inside the envelope, not the channel name.
const (
	FanoutChannel    = "classbridge:fanout"
	screenshotPrefix = "classbridge:screenshot:"
	flightPathPrefix = "classbridge:flightpath:"
	lastSeenPrefix   = "classbridge:lastseen:"
)

// tenantDeactivatedKind marks a control envelope instructing every other
// instance to drop a tenant's connections and cached settings. It rides the
// fan-out channel but never reaches a socket.
const tenantDeactivatedKind = "tenant-deactivated"

// CacheTTLs hold the lifetimes of the three replicated ephemeral caches.
type CacheTTLs struct {
	Screenshot time.Duration // last-known screenshot per device
	FlightPath time.Duration // applied flight-path restriction while active
	LastSeen   time.Duration // last-seen heartbeat per device
}

// DefaultCacheTTLs returns the production lifetimes.
func DefaultCacheTTLs() CacheTTLs {
	return CacheTTLs{
		Screenshot: 60 * time.Second,
		FlightPath: 3600 * time.Second,
		LastSeen:   300 * time.Second,
	}
}

// FlightPathStatus is an applied browsing restriction for one device.
// Deleting the cache entry is the explicit mechanism for "restriction
// removed": an absent key and "not restricted" are the same state.
type FlightPathStatus struct {
	Active     bool      `json:"active"`
	AllowedURL string    `json:"allowed_url,omitempty"`
	AppliedBy  string    `json:"applied_by,omitempty"`
	AppliedAt  time.Time `json:"applied_at"`
}

// Relay makes N gateway processes behave as one logical broadcast domain:
// outbound fan-out requests are published to every other instance, and three
// TTL-keyed ephemeral caches are replicated through the same broker.
// ARCHITECTURAL DISCOVERY: The relay owns loop prevention; the registry and
// gateway never see an envelope that originated on this process
type Relay struct {
	transport  interfaces.RelayTransport
	instanceID string
	ttls       CacheTTLs

	onTenantDeactivated func(tenantID string)
}

// NewRelay creates a relay bound to a transport. instanceID identifies this
// gateway process in envelopes; every process must use a distinct value.
func NewRelay(transport interfaces.RelayTransport, instanceID string, ttls CacheTTLs) *Relay {
	return &Relay{
		transport:  transport,
		instanceID: instanceID,
		ttls:       ttls,
	}
}

// InstanceID returns this process's envelope identity.
func (r *Relay) InstanceID() string {
	return r.instanceID
}

// Publish wraps a fan-out target and payload into an envelope stamped with
// this process's identity and publishes it on the well-known channel.
// Best-effort: no acknowledgment, no retry, no ordering guarantee.
func (r *Relay) Publish(ctx context.Context, target types.FanoutTarget, payload []byte) {
	envelope := &types.Envelope{
		Origin:  r.instanceID,
		Target:  target,
		Payload: payload,
	}
	if err := r.transport.Publish(ctx, envelope); err != nil {
		log.Printf("relay: publish failed: %v", err)
	}
}

// SetTenantDeactivatedHandler registers the callback invoked when another
// instance announces a tenant deactivation. Must be called before Subscribe.
func (r *Relay) SetTenantDeactivatedHandler(fn func(tenantID string)) {
	r.onTenantDeactivated = fn
}

// PublishTenantDeactivated announces a tenant deactivation to every other
// instance so they close the tenant's sockets and invalidate cached
// settings. The publishing instance handles its own cleanup locally.
func (r *Relay) PublishTenantDeactivated(ctx context.Context, tenantID string) {
	envelope := &types.Envelope{
		Origin: r.instanceID,
		Target: types.FanoutTarget{Kind: tenantDeactivatedKind, TenantID: tenantID},
	}
	if err := r.transport.Publish(ctx, envelope); err != nil {
		log.Printf("relay: tenant deactivation publish failed: %v", err)
	}
}

// Subscribe wires incoming envelopes into local delivery. Envelopes whose
// origin matches this process are discarded: the gateway already delivered
// them locally before publishing.
func (r *Relay) Subscribe(ctx context.Context, deliverer interfaces.Deliverer) error {
	return r.transport.Subscribe(ctx, func(envelope *types.Envelope) {
		if envelope.Origin == r.instanceID {
			return
		}
		if envelope.Target.Kind == tenantDeactivatedKind {
			if r.onTenantDeactivated != nil {
				r.onTenantDeactivated(envelope.Target.TenantID)
			}
			return
		}
		if err := envelope.Target.Validate(); err != nil {
			log.Printf("relay: dropping invalid envelope: %v", err)
			return
		}
		deliverer.Deliver(envelope.Target, envelope.Payload)
	})
}

// SetScreenshot stores the latest screenshot for a device (60s TTL).
func (r *Relay) SetScreenshot(ctx context.Context, deviceID string, data []byte) error {
	return r.transport.Set(ctx, screenshotPrefix+deviceID, data, r.ttls.Screenshot)
}

// GetScreenshot returns the latest screenshot for a device, or nil when
// none is cached (or the entry expired).
func (r *Relay) GetScreenshot(ctx context.Context, deviceID string) ([]byte, error) {
	return r.transport.Get(ctx, screenshotPrefix+deviceID)
}

// SetFlightPathStatus replicates an applied restriction. An inactive status
// deletes the key instead of writing a false value.
func (r *Relay) SetFlightPathStatus(ctx context.Context, deviceID string, status FlightPathStatus) error {
	if !status.Active {
		return r.transport.Delete(ctx, flightPathPrefix+deviceID)
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return r.transport.Set(ctx, flightPathPrefix+deviceID, data, r.ttls.FlightPath)
}

// GetFlightPathStatus returns the active restriction for a device, or nil
// when the device is unrestricted.
func (r *Relay) GetFlightPathStatus(ctx context.Context, deviceID string) (*FlightPathStatus, error) {
	data, err := r.transport.Get(ctx, flightPathPrefix+deviceID)
	if err != nil || data == nil {
		return nil, err
	}
	var status FlightPathStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SetDeviceLastSeen replicates a device's last heartbeat time (300s TTL).
func (r *Relay) SetDeviceLastSeen(ctx context.Context, deviceID string, at time.Time) error {
	return r.transport.Set(ctx, lastSeenPrefix+deviceID, []byte(at.UTC().Format(time.RFC3339)), r.ttls.LastSeen)
}

// GetDeviceLastSeen returns when a device last heartbeated, or the zero
// time when the device has not been seen within the TTL window.
func (r *Relay) GetDeviceLastSeen(ctx context.Context, deviceID string) (time.Time, error) {
	data, err := r.transport.Get(ctx, lastSeenPrefix+deviceID)
	if err != nil || data == nil {
		return time.Time{}, err
	}
	at, err := time.Parse(time.RFC3339, string(data))
	if err != nil {
		return time.Time{}, err
	}
	return at, nil
}

// Close releases the underlying transport.
func (r *Relay) Close() error {
	return r.transport.Close()
}
