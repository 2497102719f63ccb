package tenant

import (
	"context"
	"testing"

	"classbridge/pkg/interfaces"
	"classbridge/pkg/types"
)

// fakeDirectory implements just enough of the Directory interface for
// provider tests, counting lookups to verify cache behavior.
type fakeDirectory struct {
	interfaces.Directory

	tenants        map[string]*types.Tenant // keyed by domain
	settings       map[string]*types.TenantSettings
	domainLookups  int
	settingLookups int
}

func (d *fakeDirectory) TenantByDomain(ctx context.Context, domain string) (*types.Tenant, error) {
	d.domainLookups++
	tenant, exists := d.tenants[domain]
	if !exists {
		return nil, interfaces.ErrTenantNotFound
	}
	return tenant, nil
}

func (d *fakeDirectory) TenantSettings(ctx context.Context, tenantID string) (*types.TenantSettings, error) {
	d.settingLookups++
	settings, exists := d.settings[tenantID]
	if !exists {
		return nil, interfaces.ErrTenantNotFound
	}
	return settings, nil
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		tenants: map[string]*types.Tenant{
			"school-a.test": {ID: "school-a", Name: "School A", Domain: "school-a.test", Active: true},
			"closed.test":   {ID: "closed", Name: "Closed School", Domain: "closed.test", Active: false},
		},
		settings: map[string]*types.TenantSettings{
			"school-a": {AllowedDomains: []string{"wikipedia.org"}, TabLimit: 3},
		},
	}
}

func TestProvider_SettingsCached(t *testing.T) {
	dir := newFakeDirectory()
	p := NewProvider(dir)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		settings, err := p.SettingsFor(ctx, "school-a")
		if err != nil {
			t.Fatalf("SettingsFor failed: %v", err)
		}
		if settings.TabLimit != 3 {
			t.Errorf("Settings mismatch: %+v", settings)
		}
	}

	if dir.settingLookups != 1 {
		t.Errorf("Expected 1 directory lookup, got %d", dir.settingLookups)
	}
}

func TestProvider_TenantForEmailDomain(t *testing.T) {
	dir := newFakeDirectory()
	p := NewProvider(dir)
	ctx := context.Background()

	tenant, err := p.TenantForEmailDomain(ctx, "kid@school-a.test")
	if err != nil {
		t.Fatalf("TenantForEmailDomain failed: %v", err)
	}
	if tenant.ID != "school-a" {
		t.Errorf("Wrong tenant: %+v", tenant)
	}

	// Second lookup comes from cache.
	if _, err := p.TenantForEmailDomain(ctx, "other@school-a.test"); err != nil {
		t.Fatalf("Cached lookup failed: %v", err)
	}
	if dir.domainLookups != 1 {
		t.Errorf("Expected 1 directory lookup, got %d", dir.domainLookups)
	}
}

func TestProvider_UnknownDomainFailsClosed(t *testing.T) {
	p := NewProvider(newFakeDirectory())

	if _, err := p.TenantForEmailDomain(context.Background(), "new@unknownschool.test"); err != interfaces.ErrTenantNotFound {
		t.Errorf("Expected ErrTenantNotFound, got %v", err)
	}

	// Addresses without a usable domain part fail the same way.
	if _, err := p.TenantForEmailDomain(context.Background(), "not-an-email"); err != interfaces.ErrTenantNotFound {
		t.Errorf("Expected ErrTenantNotFound for malformed email, got %v", err)
	}
}

func TestProvider_InactiveTenantRefused(t *testing.T) {
	p := NewProvider(newFakeDirectory())

	if _, err := p.TenantForEmailDomain(context.Background(), "kid@closed.test"); err != interfaces.ErrTenantInactive {
		t.Errorf("Expected ErrTenantInactive, got %v", err)
	}
}

func TestProvider_InvalidateDropsCache(t *testing.T) {
	dir := newFakeDirectory()
	p := NewProvider(dir)
	ctx := context.Background()

	if _, err := p.SettingsFor(ctx, "school-a"); err != nil {
		t.Fatalf("SettingsFor failed: %v", err)
	}
	if _, err := p.TenantForEmailDomain(ctx, "kid@school-a.test"); err != nil {
		t.Fatalf("TenantForEmailDomain failed: %v", err)
	}

	p.Invalidate("school-a")

	if _, err := p.SettingsFor(ctx, "school-a"); err != nil {
		t.Fatalf("SettingsFor after invalidate failed: %v", err)
	}
	if _, err := p.TenantForEmailDomain(ctx, "kid@school-a.test"); err != nil {
		t.Fatalf("TenantForEmailDomain after invalidate failed: %v", err)
	}
	if dir.settingLookups != 2 || dir.domainLookups != 2 {
		t.Errorf("Invalidate did not drop cache: settings=%d domains=%d", dir.settingLookups, dir.domainLookups)
	}
}
