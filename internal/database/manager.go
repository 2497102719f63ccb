package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	dbconfig "classbridge/pkg/database"
	"classbridge/pkg/interfaces"
	"classbridge/pkg/types"
)

// Manager implements the Directory interface on SQLite.
// ARCHITECTURAL DISCOVERY: Single-writer goroutine prevents SQLite write
// contention while the pool serves concurrent reads
type Manager struct {
	db           *sql.DB
	config       *dbconfig.Config
	writeChannel chan writeOperation
	shutdown     chan struct{}
	wg           sync.WaitGroup
	closed       bool
	mu           sync.RWMutex
}

// writeOperation represents a queued database write.
type writeOperation struct {
	operation func(*sql.DB) error
	result    chan error
}

// NewManager opens the directory database and applies migrations.
func NewManager(config *dbconfig.Config) (*Manager, error) {
	if config == nil {
		config = dbconfig.DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	db, err := sql.Open("sqlite3", config.DatabasePath+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxConnections)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := dbconfig.NewMigrationManager(db).ApplyMigrations(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	manager := &Manager{
		db:           db,
		config:       config,
		writeChannel: make(chan writeOperation, 100),
		shutdown:     make(chan struct{}),
	}

	manager.wg.Add(1)
	go manager.writeLoop()

	return manager, nil
}

// writeLoop processes all write operations in a single goroutine.
func (m *Manager) writeLoop() {
	defer m.wg.Done()

	for {
		select {
		case op := <-m.writeChannel:
			err := op.operation(m.db)
			if err != nil {
				log.Printf("database: write failed, retrying in 5 seconds: %v", err)
				time.Sleep(5 * time.Second)
				err = op.operation(m.db)
				if err != nil {
					log.Printf("database: write failed after retry: %v", err)
				}
			}
			op.result <- err

		case <-m.shutdown:
			return
		}
	}
}

// executeWrite queues a write operation and waits for completion.
func (m *Manager) executeWrite(operation func(*sql.DB) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrManagerClosed
	}
	m.mu.RUnlock()

	result := make(chan error, 1)
	select {
	case m.writeChannel <- writeOperation{operation: operation, result: result}:
		return <-result
	case <-time.After(30 * time.Second):
		return ErrWriteTimeout
	case <-m.shutdown:
		return ErrManagerClosed
	}
}

// TenantByDomain resolves a tenant from an email domain suffix.
func (m *Manager) TenantByDomain(ctx context.Context, domain string) (*types.Tenant, error) {
	domain = strings.ToLower(domain)
	row := m.db.QueryRowContext(ctx,
		`SELECT id, name, domain, active FROM tenants WHERE domain = ?`, domain)
	return scanTenant(row)
}

// TenantByID retrieves a tenant by id.
func (m *Manager) TenantByID(ctx context.Context, tenantID string) (*types.Tenant, error) {
	row := m.db.QueryRowContext(ctx,
		`SELECT id, name, domain, active FROM tenants WHERE id = ?`, tenantID)
	return scanTenant(row)
}

func scanTenant(row *sql.Row) (*types.Tenant, error) {
	var tenant types.Tenant
	var active int
	err := row.Scan(&tenant.ID, &tenant.Name, &tenant.Domain, &active)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrTenantNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan tenant: %w", err)
	}
	tenant.Active = active != 0
	return &tenant, nil
}

// TenantSettings returns the per-tenant device configuration. Tenants
// without an explicit settings row get zero-value defaults.
func (m *Manager) TenantSettings(ctx context.Context, tenantID string) (*types.TenantSettings, error) {
	var allowedJSON, blockedJSON string
	settings := &types.TenantSettings{}
	err := m.db.QueryRowContext(ctx,
		`SELECT allowed_domains, blocked_domains, tab_limit FROM tenant_settings WHERE tenant_id = ?`,
		tenantID,
	).Scan(&allowedJSON, &blockedJSON, &settings.TabLimit)
	if err == sql.ErrNoRows {
		// Tenant exists without explicit settings: empty lists, no limit.
		if _, err := m.TenantByID(ctx, tenantID); err != nil {
			return nil, err
		}
		return settings, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tenant settings: %w", err)
	}

	if err := json.Unmarshal([]byte(allowedJSON), &settings.AllowedDomains); err != nil {
		return nil, fmt.Errorf("corrupt allowed_domains for tenant %s: %w", tenantID, err)
	}
	if err := json.Unmarshal([]byte(blockedJSON), &settings.BlockedDomains); err != nil {
		return nil, fmt.Errorf("corrupt blocked_domains for tenant %s: %w", tenantID, err)
	}
	return settings, nil
}

// FindOrCreateStudent idempotently provisions a student keyed by
// (tenant, email).
func (m *Manager) FindOrCreateStudent(ctx context.Context, tenantID, email string) (*types.Student, error) {
	email = strings.ToLower(email)

	student, err := m.studentByEmail(ctx, tenantID, email)
	if err == nil {
		return student, nil
	}
	if err != interfaces.ErrStudentNotFound {
		return nil, err
	}

	id := uuid.New().String()
	err = m.executeWrite(func(db *sql.DB) error {
		// INSERT OR IGNORE keeps the operation idempotent under
		// concurrent provisioning of the same email.
		_, err := db.Exec(
			`INSERT OR IGNORE INTO students (id, tenant_id, email) VALUES (?, ?, ?)`,
			id, tenantID, email)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create student: %w", err)
	}

	return m.studentByEmail(ctx, tenantID, email)
}

func (m *Manager) studentByEmail(ctx context.Context, tenantID, email string) (*types.Student, error) {
	var student types.Student
	err := m.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, email, created_at FROM students WHERE tenant_id = ? AND email = ?`,
		tenantID, email,
	).Scan(&student.ID, &student.TenantID, &student.Email, &student.Created)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrStudentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan student: %w", err)
	}
	return &student, nil
}

// FindOrCreateDevice idempotently provisions a device keyed by
// (tenant, device id).
func (m *Manager) FindOrCreateDevice(ctx context.Context, tenantID, deviceID string) (*types.Device, error) {
	device, err := m.deviceByID(ctx, tenantID, deviceID)
	if err == nil {
		return device, nil
	}
	if err != interfaces.ErrDeviceNotFound {
		return nil, err
	}

	err = m.executeWrite(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT OR IGNORE INTO devices (id, tenant_id) VALUES (?, ?)`,
			deviceID, tenantID)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create device: %w", err)
	}

	return m.deviceByID(ctx, tenantID, deviceID)
}

func (m *Manager) deviceByID(ctx context.Context, tenantID, deviceID string) (*types.Device, error) {
	var device types.Device
	var studentID sql.NullString
	err := m.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, student_id, created_at FROM devices WHERE tenant_id = ? AND id = ?`,
		tenantID, deviceID,
	).Scan(&device.ID, &device.TenantID, &studentID, &device.Created)
	if err == sql.ErrNoRows {
		return nil, interfaces.ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan device: %w", err)
	}
	device.StudentID = studentID.String
	return &device, nil
}

// LinkDeviceToStudent associates a device with a student.
func (m *Manager) LinkDeviceToStudent(ctx context.Context, tenantID, deviceID, studentID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		result, err := db.Exec(
			`UPDATE devices SET student_id = ? WHERE tenant_id = ? AND id = ?`,
			studentID, tenantID, deviceID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return interfaces.ErrDeviceNotFound
		}
		return nil
	})
}

// OpenDeviceSession records a device coming online.
func (m *Manager) OpenDeviceSession(ctx context.Context, tenantID, deviceID string) (*types.DeviceSession, error) {
	session := &types.DeviceSession{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		DeviceID:  deviceID,
		StartTime: time.Now().UTC(),
	}
	err := m.executeWrite(func(db *sql.DB) error {
		_, err := db.Exec(
			`INSERT INTO device_sessions (id, tenant_id, device_id, start_time) VALUES (?, ?, ?, ?)`,
			session.ID, session.TenantID, session.DeviceID, session.StartTime)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open device session: %w", err)
	}
	return session, nil
}

// DeactivateTenant marks a tenant inactive. Closing its live connections is
// the caller's responsibility.
func (m *Manager) DeactivateTenant(ctx context.Context, tenantID string) error {
	return m.executeWrite(func(db *sql.DB) error {
		result, err := db.Exec(`UPDATE tenants SET active = 0 WHERE id = ?`, tenantID)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return interfaces.ErrTenantNotFound
		}
		return nil
	})
}

// SeedTenant provisions a tenant with settings. Bootstrap and test helper.
func (m *Manager) SeedTenant(ctx context.Context, tenant *types.Tenant, settings *types.TenantSettings) error {
	return m.executeWrite(func(db *sql.DB) error {
		active := 0
		if tenant.Active {
			active = 1
		}
		if _, err := db.Exec(
			`INSERT OR REPLACE INTO tenants (id, name, domain, active) VALUES (?, ?, ?, ?)`,
			tenant.ID, tenant.Name, strings.ToLower(tenant.Domain), active); err != nil {
			return err
		}
		if settings == nil {
			return nil
		}
		allowed, err := json.Marshal(settings.AllowedDomains)
		if err != nil {
			return err
		}
		blocked, err := json.Marshal(settings.BlockedDomains)
		if err != nil {
			return err
		}
		_, err = db.Exec(
			`INSERT OR REPLACE INTO tenant_settings (tenant_id, allowed_domains, blocked_domains, tab_limit) VALUES (?, ?, ?, ?)`,
			tenant.ID, string(allowed), string(blocked), settings.TabLimit)
		return err
	})
}

// HealthCheck verifies database connectivity.
func (m *Manager) HealthCheck(ctx context.Context) error {
	return m.db.PingContext(ctx)
}

// Close stops the write loop and closes the database.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	close(m.shutdown)
	m.wg.Wait()
	return m.db.Close()
}
