package registry

import (
	"encoding/json"
	"log"
	"sync"

	"classbridge/pkg/interfaces"
	"classbridge/pkg/types"
)

// membership records which tenant index a connection was inserted into, so
// re-authentication under a new tenant or role can evict the old entry.
// ARCHITECTURAL DISCOVERY: The registry holds only index entries; the
// connection record itself is owned by the gateway, never duplicated here
type membership struct {
	tenantID string
	staff    bool
}

// Registry manages live connections per tenant with thread-safe operations.
// Pure connection bookkeeping without business logic: local lookups and
// direct sends only, no network or cross-instance concerns.
type Registry struct {
	mu             sync.RWMutex
	registered     map[interfaces.Connection]struct{}
	memberships    map[interfaces.Connection]*membership
	tenantStaff    map[string]map[interfaces.Connection]struct{}
	tenantStudents map[string]map[interfaces.Connection]struct{}
}

// NewRegistry creates a new connection registry.
// FUNCTIONAL DISCOVERY: Initialize all maps to prevent nil pointer access
// during concurrent operations
func NewRegistry() *Registry {
	return &Registry{
		registered:     make(map[interfaces.Connection]struct{}),
		memberships:    make(map[interfaces.Connection]*membership),
		tenantStaff:    make(map[string]map[interfaces.Connection]struct{}),
		tenantStudents: make(map[string]map[interfaces.Connection]struct{}),
	}
}

// Register tracks a new, still unauthenticated connection. The connection
// joins no tenant index until Authenticate promotes it.
func (r *Registry) Register(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registered[conn] = struct{}{}
}

// Authenticate inserts a connection into its tenant index based on the
// role and tenant the gateway has set on it. If the connection was
// previously authenticated under a different tenant or role it is first
// removed from the old index, so a socket appears in at most one index.
// Returns false if the connection was never registered.
func (r *Registry) Authenticate(conn interfaces.Connection) bool {
	if conn == nil || !conn.IsAuthenticated() {
		return false
	}

	role := conn.Role()
	tenantID := conn.TenantID()
	if !types.IsValidRole(role) || tenantID == "" {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.registered[conn]; !exists {
		return false
	}

	// Evict from the old index on re-authentication before inserting into
	// the new one, keeping the atomicity invariant under the single lock.
	if old, exists := r.memberships[conn]; exists {
		r.removeFromIndexLocked(conn, old)
	}

	m := &membership{tenantID: tenantID, staff: types.IsStaffRole(role)}
	if m.staff {
		if r.tenantStaff[tenantID] == nil {
			r.tenantStaff[tenantID] = make(map[interfaces.Connection]struct{})
		}
		r.tenantStaff[tenantID][conn] = struct{}{}
	} else {
		if r.tenantStudents[tenantID] == nil {
			r.tenantStudents[tenantID] = make(map[interfaces.Connection]struct{})
		}
		r.tenantStudents[tenantID][conn] = struct{}{}
	}
	r.memberships[conn] = m

	return true
}

// Remove drops a connection from whichever tenant index it belonged to and
// forgets it entirely.
// FUNCTIONAL DISCOVERY: Idempotent operation safe to call from both the
// normal close path and the error path
func (r *Registry) Remove(conn interfaces.Connection) {
	if conn == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, exists := r.memberships[conn]; exists {
		r.removeFromIndexLocked(conn, m)
		delete(r.memberships, conn)
	}
	delete(r.registered, conn)
}

// removeFromIndexLocked removes conn from its tenant index and cleans up
// empty per-tenant maps. Caller must hold the write lock.
// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
func (r *Registry) removeFromIndexLocked(conn interfaces.Connection, m *membership) {
	index := r.tenantStudents
	if m.staff {
		index = r.tenantStaff
	}
	if set, exists := index[m.tenantID]; exists {
		delete(set, conn)
		if len(set) == 0 {
			delete(index, m.tenantID)
		}
	}
}

// BroadcastToStaff sends a message to every open staff socket of a tenant
// and returns the count actually sent.
func (r *Registry) BroadcastToStaff(tenantID string, message interface{}) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for conn := range r.tenantStaff[tenantID] {
		if r.sendLocked(conn) && conn.SendJSON(message) == nil {
			count++
		}
	}
	return count
}

// BroadcastToStudents sends a message to a tenant's student sockets. If
// deviceIDs is non-nil only sockets whose device id is in that list receive
// the message ("selected students only"). Returns the count actually sent.
func (r *Registry) BroadcastToStudents(tenantID string, message interface{}, deviceIDs []string) int {
	var selected map[string]struct{}
	if deviceIDs != nil {
		selected = make(map[string]struct{}, len(deviceIDs))
		for _, id := range deviceIDs {
			selected[id] = struct{}{}
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for conn := range r.tenantStudents[tenantID] {
		if selected != nil {
			if _, ok := selected[conn.DeviceID()]; !ok {
				continue
			}
		}
		if r.sendLocked(conn) && conn.SendJSON(message) == nil {
			count++
		}
	}
	return count
}

// SendToDevice delivers a message to the one student socket matching the
// device id. At most one should match under normal operation; a stale
// duplicate indicates a missed disconnect and is logged, not failed.
func (r *Registry) SendToDevice(tenantID, deviceID string, message interface{}) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for conn := range r.tenantStudents[tenantID] {
		if conn.DeviceID() != deviceID {
			continue
		}
		if count == 1 {
			log.Printf("registry: duplicate connection for device %s in tenant %s, previous disconnect likely missed", deviceID, tenantID)
		}
		if r.sendLocked(conn) && conn.SendJSON(message) == nil {
			count++
		}
	}
	return count
}

// SendToRole delivers a message to every socket of one exact role within a
// tenant, distinguishing teacher from school_admin from super_admin even
// though all three share the staff index.
func (r *Registry) SendToRole(tenantID, role string, message interface{}) int {
	index := r.tenantStudents
	if types.IsStaffRole(role) {
		index = r.tenantStaff
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	count := 0
	for conn := range index[tenantID] {
		if conn.Role() != role {
			continue
		}
		if r.sendLocked(conn) && conn.SendJSON(message) == nil {
			count++
		}
	}
	return count
}

// CloseAllForTenant forcibly closes every socket in both of a tenant's
// indices and clears them. Used when a tenant is deactivated.
func (r *Registry) CloseAllForTenant(tenantID string) {
	r.mu.Lock()
	var victims []interfaces.Connection
	for conn := range r.tenantStaff[tenantID] {
		victims = append(victims, conn)
	}
	for conn := range r.tenantStudents[tenantID] {
		victims = append(victims, conn)
	}
	for _, conn := range victims {
		if m, exists := r.memberships[conn]; exists {
			r.removeFromIndexLocked(conn, m)
			delete(r.memberships, conn)
		}
		delete(r.registered, conn)
	}
	r.mu.Unlock()

	// Close outside the lock: Close may block on transport teardown and the
	// close handler will call Remove, which needs the lock.
	for _, conn := range victims {
		if err := conn.Close(); err != nil {
			log.Printf("registry: failed to close connection during tenant shutdown: %v", err)
		}
	}
}

// Deliver routes a relayed fan-out target to the matching local delivery
// method. This is the entry point the relay subscriber is wired to.
func (r *Registry) Deliver(target types.FanoutTarget, payload []byte) int {
	raw := json.RawMessage(payload)
	switch target.Kind {
	case types.TargetStaff:
		return r.BroadcastToStaff(target.TenantID, raw)
	case types.TargetStudents:
		return r.BroadcastToStudents(target.TenantID, raw, target.DeviceIDs)
	case types.TargetDevice:
		return r.SendToDevice(target.TenantID, target.DeviceID, raw)
	case types.TargetRole:
		return r.SendToRole(target.TenantID, target.Role, raw)
	default:
		log.Printf("registry: dropping envelope with unknown target kind %q", target.Kind)
		return 0
	}
}

// sendLocked reports whether a connection is eligible for delivery.
// A send to a non-open socket is silently skipped and does not count.
func (r *Registry) sendLocked(conn interfaces.Connection) bool {
	return !conn.IsClosed() && conn.IsAuthenticated()
}

// Stats returns registry statistics for monitoring and debugging.
func (r *Registry) Stats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	uniqueTenants := make(map[string]bool)
	staff, students := 0, 0
	for tenantID, set := range r.tenantStaff {
		uniqueTenants[tenantID] = true
		staff += len(set)
	}
	for tenantID, set := range r.tenantStudents {
		uniqueTenants[tenantID] = true
		students += len(set)
	}

	return map[string]int{
		"total_connections":   len(r.registered),
		"staff_connections":   staff,
		"student_connections": students,
		"active_tenants":      len(uniqueTenants),
	}
}
