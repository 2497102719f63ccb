package gateway

import "errors"

// Connection-related errors
var (
	ErrConnectionClosed = errors.New("connection closed")
	ErrWriteTimeout     = errors.New("write timeout")
	ErrInvalidJSON      = errors.New("invalid JSON data")
)

// Authentication failure messages sent to clients in auth-error replies.
// These are part of the wire protocol: clients switch on them.
const (
	MsgInvalidToken       = "Invalid token"
	MsgTokenExpired       = "Token expired, please re-register"
	MsgUnknownDomain      = "Unknown school domain"
	MsgSchoolDeactivated  = "School is deactivated"
	MsgSchoolUnavailable  = "School unavailable"
	MsgMissingCredentials = "Missing credentials"
	MsgMissingDeviceID    = "Missing device ID"
	MsgMissingTenantID    = "Missing school ID"
	MsgRoleNotPermitted   = "Role not permitted"
	MsgNotAMember         = "Not a member of this school"
	MsgProvisioningFailed = "Registration failed, please retry"
)
