package interfaces

import (
	"context"

	"classbridge/pkg/types"
)

// Directory handles all tenant/student/device persistence.
// ARCHITECTURAL DISCOVERY: Single interface for all directory operations
// enables consistent transaction handling and connection management
type Directory interface {
	// TenantByDomain resolves a tenant from an email domain suffix.
	// Returns ErrTenantNotFound for unknown domains (auth fails closed).
	TenantByDomain(ctx context.Context, domain string) (*types.Tenant, error)

	// TenantByID retrieves a tenant by id.
	TenantByID(ctx context.Context, tenantID string) (*types.Tenant, error)

	// TenantSettings returns the per-tenant device configuration
	// (domain allow/block lists, tab limits).
	TenantSettings(ctx context.Context, tenantID string) (*types.TenantSettings, error)

	// FindOrCreateStudent idempotently provisions a student record
	// keyed by (tenant, email).
	FindOrCreateStudent(ctx context.Context, tenantID, email string) (*types.Student, error)

	// FindOrCreateDevice idempotently provisions a device record
	// keyed by (tenant, device id).
	FindOrCreateDevice(ctx context.Context, tenantID, deviceID string) (*types.Device, error)

	// LinkDeviceToStudent associates a device with a student.
	LinkDeviceToStudent(ctx context.Context, tenantID, deviceID, studentID string) error

	// OpenDeviceSession records a device coming online.
	OpenDeviceSession(ctx context.Context, tenantID, deviceID string) (*types.DeviceSession, error)

	// DeactivateTenant marks a tenant inactive; the caller is responsible
	// for closing its live connections.
	DeactivateTenant(ctx context.Context, tenantID string) error

	// HealthCheck verifies database connectivity.
	HealthCheck(ctx context.Context) error

	// Close closes the database connection and cleans up resources.
	Close() error
}

// SettingsProvider is the gateway's read path for tenant configuration,
// typically a cache over the Directory.
type SettingsProvider interface {
	// SettingsFor returns the settings for a tenant.
	SettingsFor(ctx context.Context, tenantID string) (*types.TenantSettings, error)

	// TenantForEmailDomain resolves the tenant owning an email's domain.
	TenantForEmailDomain(ctx context.Context, email string) (*types.Tenant, error)

	// Invalidate drops any cached state for a tenant.
	Invalidate(tenantID string)
}
