package database

import (
	"database/sql"
	"fmt"
)

// Migration represents one schema evolution step.
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// migrations are embedded in the binary and applied in order, so a gateway
// process never depends on migration files shipped alongside it.
var migrations = []Migration{
	{
		Version:     "001",
		Description: "tenants and tenant settings",
		SQL: `
			CREATE TABLE IF NOT EXISTS tenants (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				domain TEXT NOT NULL UNIQUE,
				active INTEGER NOT NULL DEFAULT 1,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
			);
			CREATE INDEX IF NOT EXISTS idx_tenants_domain ON tenants(domain);

			CREATE TABLE IF NOT EXISTS tenant_settings (
				tenant_id TEXT PRIMARY KEY REFERENCES tenants(id),
				allowed_domains TEXT NOT NULL DEFAULT '[]',
				blocked_domains TEXT NOT NULL DEFAULT '[]',
				tab_limit INTEGER NOT NULL DEFAULT 0
			);
		`,
	},
	{
		Version:     "002",
		Description: "students and devices",
		SQL: `
			CREATE TABLE IF NOT EXISTS students (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL REFERENCES tenants(id),
				email TEXT NOT NULL,
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				UNIQUE(tenant_id, email)
			);
			CREATE INDEX IF NOT EXISTS idx_students_tenant_email ON students(tenant_id, email);

			CREATE TABLE IF NOT EXISTS devices (
				id TEXT NOT NULL,
				tenant_id TEXT NOT NULL REFERENCES tenants(id),
				student_id TEXT REFERENCES students(id),
				created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
				PRIMARY KEY (tenant_id, id)
			);
			CREATE INDEX IF NOT EXISTS idx_devices_student ON devices(student_id);
		`,
	},
	{
		Version:     "003",
		Description: "device sessions",
		SQL: `
			CREATE TABLE IF NOT EXISTS device_sessions (
				id TEXT PRIMARY KEY,
				tenant_id TEXT NOT NULL REFERENCES tenants(id),
				device_id TEXT NOT NULL,
				start_time DATETIME NOT NULL,
				end_time DATETIME
			);
			CREATE INDEX IF NOT EXISTS idx_device_sessions_device ON device_sessions(tenant_id, device_id);
		`,
	},
}

// MigrationManager applies pending migrations.
// ARCHITECTURAL DISCOVERY: Transaction per migration ensures each step
// either fully applies or leaves the schema untouched
type MigrationManager struct {
	db *sql.DB
}

// NewMigrationManager creates a new migration manager.
func NewMigrationManager(db *sql.DB) *MigrationManager {
	return &MigrationManager{db: db}
}

// ApplyMigrations applies all pending migrations in version order.
func (m *MigrationManager) ApplyMigrations() error {
	if err := m.createMigrationTable(); err != nil {
		return fmt.Errorf("failed to create migration table: %w", err)
	}

	applied, err := m.appliedVersions()
	if err != nil {
		return fmt.Errorf("failed to read applied migrations: %w", err)
	}

	for _, migration := range migrations {
		if applied[migration.Version] {
			continue
		}
		if err := m.apply(migration); err != nil {
			return fmt.Errorf("failed to apply migration %s (%s): %w", migration.Version, migration.Description, err)
		}
	}
	return nil
}

func (m *MigrationManager) createMigrationTable() error {
	_, err := m.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	return err
}

func (m *MigrationManager) appliedVersions() (map[string]bool, error) {
	rows, err := m.db.Query(`SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

func (m *MigrationManager) apply(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	if _, err := tx.Exec(migration.SQL); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, migration.Version); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
