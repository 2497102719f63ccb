package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps one WebSocket with the connection record the gateway owns:
// role, tenant and identity, promoted exactly once per successful
// authentication. The registry holds only index entries pointing at this
// wrapper, never a second copy of the record.
// ARCHITECTURAL DISCOVERY: WebSocket writes must be serialized; a single
// writer goroutine eliminates write races without locking every caller
type Conn struct {
	ws           *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu            sync.RWMutex
	role          string
	tenantID      string
	deviceID      string
	userID        string
	authenticated bool
	closing       bool
}

// NewConn creates a connection wrapper and starts its writer goroutine.
// The record starts unauthenticated with the student role defaulted.
func NewConn(ws *websocket.Conn, bufferSize int, writeTimeout time.Duration) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		ws:           ws,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		role:         "student",
	}

	go c.writeLoop()

	return c
}

// writeLoop is the single writer for the underlying socket.
func (c *Conn) writeLoop() {
	for {
		select {
		case data, ok := <-c.writeCh:
			if !ok {
				return
			}
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// SendJSON queues v for delivery. Returns ErrConnectionClosed once the
// connection is torn down and ErrWriteTimeout when the write buffer stays
// full past the write timeout (slow consumer).
func (c *Conn) SendJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close tears down the socket and stops the writer. Idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.ws != nil {
			err = c.ws.Close()
		}
	})
	return err
}

// MarkClosing stops inbound processing ahead of an imminent Close so the
// queued outbound frames can still flush. Frames read after this point are
// dropped.
func (c *Conn) MarkClosing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closing = true
}

// IsClosing reports whether the connection is being torn down.
func (c *Conn) IsClosing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closing
}

// IsClosed reports whether the connection has been torn down.
func (c *Conn) IsClosed() bool {
	select {
	case <-c.ctx.Done():
		return true
	default:
		return false
	}
}

// SetCredentials promotes the record to authenticated. Re-authentication
// overwrites role/tenant/identity; the registry's old-index eviction keeps
// the tenant indices consistent with the new values.
func (c *Conn) SetCredentials(role, tenantID, deviceID, userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.role = role
	c.tenantID = tenantID
	c.deviceID = deviceID
	c.userID = userID
	c.authenticated = true
}

// IsAuthenticated reports whether the record has been promoted.
func (c *Conn) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authenticated
}

// Role returns the record's role ("student" until authenticated).
func (c *Conn) Role() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.role
}

// TenantID returns the record's tenant, empty until authenticated.
func (c *Conn) TenantID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tenantID
}

// DeviceID returns the device id; present only for student connections.
func (c *Conn) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// UserID returns the user id; present only for staff connections.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}
