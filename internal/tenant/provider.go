package tenant

import (
	"context"
	"fmt"
	"sync"

	"classbridge/pkg/interfaces"
	"classbridge/pkg/types"
)

// Provider is the gateway's read path for tenant configuration: a
// cache-first lookup over the Directory so every student authentication
// does not hit the database for the same allow/block lists.
type Provider struct {
	directory interfaces.Directory

	mu       sync.RWMutex
	settings map[string]*types.TenantSettings // tenantID -> settings
	domains  map[string]*types.Tenant         // email domain -> tenant
}

// NewProvider creates a settings provider over the directory.
func NewProvider(directory interfaces.Directory) *Provider {
	return &Provider{
		directory: directory,
		settings:  make(map[string]*types.TenantSettings),
		domains:   make(map[string]*types.Tenant),
	}
}

// SettingsFor returns the settings for a tenant, cache first.
func (p *Provider) SettingsFor(ctx context.Context, tenantID string) (*types.TenantSettings, error) {
	p.mu.RLock()
	cached, exists := p.settings[tenantID]
	p.mu.RUnlock()
	if exists {
		return cached, nil
	}

	settings, err := p.directory.TenantSettings(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings for tenant %s: %w", tenantID, err)
	}

	p.mu.Lock()
	p.settings[tenantID] = settings
	p.mu.Unlock()
	return settings, nil
}

// TenantForEmailDomain resolves the tenant owning an email's domain.
// Unknown domains fail closed with ErrTenantNotFound; inactive tenants are
// reported distinctly so authentication can refuse them.
func (p *Provider) TenantForEmailDomain(ctx context.Context, email string) (*types.Tenant, error) {
	domain := types.EmailDomain(email)
	if domain == "" {
		return nil, interfaces.ErrTenantNotFound
	}

	p.mu.RLock()
	cached, exists := p.domains[domain]
	p.mu.RUnlock()
	if exists {
		if !cached.Active {
			return nil, interfaces.ErrTenantInactive
		}
		return cached, nil
	}

	tenant, err := p.directory.TenantByDomain(ctx, domain)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.domains[domain] = tenant
	p.mu.Unlock()

	if !tenant.Active {
		return nil, interfaces.ErrTenantInactive
	}
	return tenant, nil
}

// Invalidate drops any cached state for a tenant. Called on deactivation so
// stale settings and domain entries never outlive the tenant.
func (p *Provider) Invalidate(tenantID string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.settings, tenantID)
	for domain, tenant := range p.domains {
		if tenant.ID == tenantID {
			delete(p.domains, domain)
		}
	}
}
