package types

import (
	"regexp"
	"strings"
)

// FUNCTIONAL DISCOVERY: Regex compiled once at package initialization
// for better performance in high-frequency validation scenarios
var (
	deviceIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	tenantIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
)

// IsValidDeviceID checks if a device ID meets format requirements.
// 1-64 character limit keeps ids usable as cache key suffixes.
func IsValidDeviceID(deviceID string) bool {
	if len(deviceID) < 1 || len(deviceID) > 64 {
		return false
	}
	return deviceIDRegex.MatchString(deviceID)
}

// IsValidTenantID checks if a tenant ID meets format requirements.
func IsValidTenantID(tenantID string) bool {
	if len(tenantID) < 1 || len(tenantID) > 64 {
		return false
	}
	return tenantIDRegex.MatchString(tenantID)
}

// EmailDomain extracts the lowercase domain suffix of an email address.
// Returns "" when the address has no usable domain part, which callers
// treat the same as an unknown school domain.
func EmailDomain(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// Validate checks a fan-out target is structurally complete for its kind.
func (t FanoutTarget) Validate() error {
	if !IsValidTenantID(t.TenantID) {
		return ErrInvalidTenantID
	}
	switch t.Kind {
	case TargetStaff, TargetStudents:
		return nil
	case TargetDevice:
		if !IsValidDeviceID(t.DeviceID) {
			return ErrInvalidDeviceID
		}
		return nil
	case TargetRole:
		if !IsValidRole(t.Role) {
			return ErrInvalidRole
		}
		return nil
	default:
		return ErrInvalidTargetKind
	}
}
