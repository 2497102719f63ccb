package interfaces

import "errors"

// Common interface errors used across components
var (
	ErrTenantNotFound   = errors.New("tenant not found")
	ErrTenantInactive   = errors.New("tenant is deactivated")
	ErrStudentNotFound  = errors.New("student not found")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrSettingsNotFound = errors.New("tenant settings not found")
	ErrTokenExpired     = errors.New("token expired")
	ErrTokenInvalid     = errors.New("token invalid")
)
