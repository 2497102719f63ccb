package gateway

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"classbridge/pkg/types"
)

// signalRecipientTeacher is the special `to` value that fans a signaling
// frame out to every teacher in the sender's tenant instead of one device.
const signalRecipientTeacher = "teacher"

// handleMessage decodes one inbound frame and dispatches it exhaustively.
// Malformed frames and unknown types are logged and dropped without a
// reply; the connection stays open (transport errors are never fatal to
// the socket, unlike authentication failures).
func (h *Handler) handleMessage(conn *Conn, data []byte) {
	if conn.IsClosing() {
		return
	}

	msg, err := types.DecodeInbound(data)
	if err != nil {
		log.Printf("gateway: rejecting frame from %s: %v", conn.ws.RemoteAddr(), err)
		return
	}

	switch payload := msg.(type) {
	case types.AuthPayload:
		h.handleAuth(conn, payload)
	case types.HeartbeatPayload:
		h.handleHeartbeat(conn)
	case types.SignalPayload:
		h.handleSignal(conn, payload)
	case types.ControlPayload:
		h.handleControl(conn, payload)
	}
}

// handleHeartbeat answers with a pong and, for student devices, refreshes
// the replicated last-seen cache so every instance observes the device as
// online. Dropped silently before authentication.
func (h *Handler) handleHeartbeat(conn *Conn) {
	if !conn.IsAuthenticated() {
		return
	}

	if err := conn.SendJSON(types.Pong{Type: types.MessageTypePong, Timestamp: time.Now().UTC()}); err != nil {
		log.Printf("gateway: failed to send pong: %v", err)
	}

	if conn.Role() == types.RoleStudent {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := h.relay.SetDeviceLastSeen(ctx, conn.DeviceID(), time.Now()); err != nil {
			log.Printf("gateway: failed to replicate last-seen for %s: %v", conn.DeviceID(), err)
		}
	}
}

// handleSignal routes a WebRTC signaling frame (offer/answer/ice). A `to`
// of "teacher" reaches every teacher in the sender's tenant; anything else
// is treated as a device id. The `from` stamp lets the receiving side
// answer: a device's id, or "teacher" when staff sent the frame.
func (h *Handler) handleSignal(conn *Conn, payload types.SignalPayload) {
	if !conn.IsAuthenticated() {
		return
	}
	if payload.To == "" {
		log.Printf("gateway: dropping %s frame without recipient", payload.Type)
		return
	}
	if !h.limiter.Allow(h.senderKey(conn)) {
		log.Printf("gateway: rate limit exceeded for %s, dropping %s", h.senderKey(conn), payload.Type)
		return
	}

	tenantID := conn.TenantID()

	if payload.To == signalRecipientTeacher {
		frame := types.SignalPayload{
			Type: payload.Type,
			To:   payload.To,
			From: conn.DeviceID(),
			Data: payload.Data,
		}
		h.deliverAndRelay(types.RoleTarget(tenantID, types.RoleTeacher), frame, payload.Type)
		return
	}

	from := conn.DeviceID()
	if types.IsStaffRole(conn.Role()) {
		from = signalRecipientTeacher
	}
	frame := types.SignalPayload{
		Type: payload.Type,
		To:   payload.To,
		From: from,
		Data: payload.Data,
	}
	h.deliverAndRelay(types.DeviceTarget(tenantID, payload.To), frame, payload.Type)
}

// handleControl routes a remote-control command to one device. Permitted
// only from teacher and school_admin senders; everyone else is dropped.
func (h *Handler) handleControl(conn *Conn, payload types.ControlPayload) {
	if !conn.IsAuthenticated() {
		return
	}
	role := conn.Role()
	if role != types.RoleTeacher && role != types.RoleSchoolAdmin {
		log.Printf("gateway: %s sender not permitted to send %s, dropping", role, payload.Type)
		return
	}
	if payload.DeviceID == "" {
		log.Printf("gateway: dropping %s without device id", payload.Type)
		return
	}

	frame := types.ControlPayload{
		Type:     payload.Type,
		DeviceID: payload.DeviceID,
		From:     signalRecipientTeacher,
	}
	h.deliverAndRelay(types.DeviceTarget(conn.TenantID(), payload.DeviceID), frame, payload.Type)
}

// deliverAndRelay performs the local+remote double delivery every routed
// message gets: the local registry first, then a relay publish so other
// instances deliver to their own sockets. A zero local count is stale
// routing, logged for observability only (the target may live on another
// instance).
func (h *Handler) deliverAndRelay(target types.FanoutTarget, frame interface{}, msgType string) {
	payload, err := json.Marshal(frame)
	if err != nil {
		log.Printf("gateway: failed to encode %s frame: %v", msgType, err)
		return
	}

	delivered := h.registry.Deliver(target, payload)
	if delivered == 0 {
		log.Printf("gateway: no local recipients for %s (target %s/%s)", msgType, target.Kind, target.TenantID)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	h.relay.Publish(ctx, target, payload)
}

// senderKey identifies a connection for rate limiting: device id for
// students, user id for staff.
func (h *Handler) senderKey(conn *Conn) string {
	if id := conn.DeviceID(); id != "" {
		return id
	}
	return conn.UserID()
}
