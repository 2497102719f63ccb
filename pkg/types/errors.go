package types

import "errors"

// ARCHITECTURAL DISCOVERY: Specific error types enable proper error handling
// and user-friendly error messages throughout the system
var (
	ErrMalformedMessage   = errors.New("malformed message frame")
	ErrUnknownMessageType = errors.New("unknown message type")
	ErrInvalidRole        = errors.New("invalid role")
	ErrInvalidTenantID    = errors.New("tenant ID must be 1-64 characters, alphanumeric + underscore/hyphen")
	ErrInvalidDeviceID    = errors.New("device ID must be 1-64 characters, alphanumeric + underscore/hyphen")
	ErrInvalidTargetKind  = errors.New("invalid fan-out target kind")
)
