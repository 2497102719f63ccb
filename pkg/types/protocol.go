package types

import (
	"encoding/json"
	"time"
)

// Inbound message types consumed by the gateway.
const (
	MessageTypeAuth          = "auth"
	MessageTypeHeartbeat     = "heartbeat"
	MessageTypeOffer         = "offer"
	MessageTypeAnswer        = "answer"
	MessageTypeICE           = "ice"
	MessageTypeRequestStream = "request-stream"
	MessageTypeStopShare     = "stop-share"
)

// Outbound message types produced by the gateway itself. Relayed broadcast
// payloads (student-update, hand-raised, ...) keep whatever type their
// producer set.
const (
	MessageTypeAuthSuccess       = "auth-success"
	MessageTypeAuthError         = "auth-error"
	MessageTypePong              = "pong"
	MessageTypeStudentRegistered = "student-registered"
)

// AuthPayload carries the credentials for all three authentication paths.
// Exactly one of StudentToken / StudentEmail / UserToken drives the path:
// a device token, email-first auto-provisioning, or a staff login.
type AuthPayload struct {
	Type         string `json:"type"`
	Role         string `json:"role"`
	TenantID     string `json:"tenantId,omitempty"`
	DeviceID     string `json:"deviceId,omitempty"`
	StudentToken string `json:"studentToken,omitempty"`
	StudentEmail string `json:"studentEmail,omitempty"`
	UserToken    string `json:"userToken,omitempty"`
}

// SignalPayload is a WebRTC signaling frame (offer, answer or ice).
// To is either the literal "teacher" or a device id.
type SignalPayload struct {
	Type string          `json:"type"`
	To   string          `json:"to"`
	From string          `json:"from,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ControlPayload is a remote-control command (request-stream, stop-share)
// issued by teaching staff and routed to one device.
type ControlPayload struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	From     string `json:"from,omitempty"`
}

// HeartbeatPayload is a client liveness probe; answered with a pong.
type HeartbeatPayload struct {
	DeviceID string `json:"deviceId,omitempty"`
}

// Inbound is the closed set of messages the gateway accepts. Decoding
// produces exactly one concrete payload type; dispatch is an exhaustive
// type switch.
// ARCHITECTURAL DISCOVERY: A sealed union via type switch replaces untyped
// map inspection so unknown and malformed shapes are rejected explicitly
type Inbound interface {
	inbound()
}

func (AuthPayload) inbound()      {}
func (SignalPayload) inbound()    {}
func (ControlPayload) inbound()   {}
func (HeartbeatPayload) inbound() {}

// typeProbe extracts only the discriminator before full decoding.
type typeProbe struct {
	Type string `json:"type"`
}

// DecodeInbound parses one wire frame into its typed payload.
// Returns ErrMalformedMessage for bad JSON and ErrUnknownMessageType for
// type values outside the protocol.
func DecodeInbound(data []byte) (Inbound, error) {
	var probe typeProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, ErrMalformedMessage
	}

	switch probe.Type {
	case MessageTypeAuth:
		var p AuthPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ErrMalformedMessage
		}
		return p, nil
	case MessageTypeHeartbeat:
		var p HeartbeatPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ErrMalformedMessage
		}
		return p, nil
	case MessageTypeOffer, MessageTypeAnswer, MessageTypeICE:
		var p SignalPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ErrMalformedMessage
		}
		p.Type = probe.Type
		return p, nil
	case MessageTypeRequestStream, MessageTypeStopShare:
		var p ControlPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, ErrMalformedMessage
		}
		p.Type = probe.Type
		return p, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

// AuthSuccess is the reply sent after any successful authentication.
// Token is set only on the email-first provisioning path so the device can
// reconnect with token authentication afterwards.
type AuthSuccess struct {
	Type     string          `json:"type"`
	Role     string          `json:"role"`
	TenantID string          `json:"tenantId"`
	Token    string          `json:"token,omitempty"`
	Settings *TenantSettings `json:"settings,omitempty"`
}

// AuthError is the typed failure reply; the connection is closed after it.
type AuthError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAuthError builds an auth-error reply.
func NewAuthError(message string) AuthError {
	return AuthError{Type: MessageTypeAuthError, Message: message}
}

// Pong answers a heartbeat.
type Pong struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// StudentRegistered announces an email-first auto-provisioned device to the
// tenant's staff dashboards.
type StudentRegistered struct {
	Type     string `json:"type"`
	DeviceID string `json:"deviceId"`
	Email    string `json:"email"`
	TenantID string `json:"tenantId"`
}
