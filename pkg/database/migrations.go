package database

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// EmbeddedMigrations returns the migrations compiled into the binary
func EmbeddedMigrations() fs.FS {
	sub, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		// embed guarantees the directory exists
		panic(err)
	}
	return sub
}

// Migration represents a database migration
type Migration struct {
	Version     string
	Description string
	SQL         string
}

// MigrationManager handles database migrations
// FUNCTIONAL DISCOVERY: Manager pattern encapsulates migration state and operations
// enabling safe schema evolution across development and production environments
type MigrationManager struct {
	db     *sql.DB
	source fs.FS
}

// NewMigrationManager creates a migration manager reading *.sql files from source.
// A nil source uses the embedded migrations.
func NewMigrationManager(db *sql.DB, source fs.FS) *MigrationManager {
	if source == nil {
		source = EmbeddedMigrations()
	}
	return &MigrationManager{
		db:     db,
		source: source,
	}
}

// ApplyMigrations applies all pending migrations and returns the versions applied
// ARCHITECTURAL DISCOVERY: Each migration runs in its own transaction together with
// its schema_migrations row, so a failed migration leaves no partial state
func (m *MigrationManager) ApplyMigrations() ([]string, error) {
	if err := m.createMigrationTable(); err != nil {
		return nil, fmt.Errorf("failed to create migration table: %w", err)
	}

	migrations, err := m.LoadMigrations()
	if err != nil {
		return nil, fmt.Errorf("failed to load migrations: %w", err)
	}

	applied, err := m.AppliedVersions()
	if err != nil {
		return nil, fmt.Errorf("failed to get applied migrations: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, v := range applied {
		done[v] = true
	}

	var newlyApplied []string
	for _, migration := range migrations {
		if done[migration.Version] {
			continue
		}
		if err := m.applyMigration(migration); err != nil {
			return newlyApplied, fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		newlyApplied = append(newlyApplied, migration.Version)
	}

	return newlyApplied, nil
}

// LoadMigrations reads and orders the migrations in the source
// TECHNICAL DISCOVERY: Migration ordering by filename ensures consistent
// application order across different environments
func (m *MigrationManager) LoadMigrations() ([]Migration, error) {
	entries, err := fs.ReadDir(m.source, ".")
	if err != nil {
		return nil, err
	}

	var migrations []Migration
	for _, entry := range entries {
		if entry.IsDir() || path.Ext(entry.Name()) != ".sql" {
			continue
		}
		content, err := fs.ReadFile(m.source, entry.Name())
		if err != nil {
			return nil, err
		}

		// "001_initial_schema.sql" -> version "001", description "initial_schema"
		name := strings.TrimSuffix(entry.Name(), ".sql")
		version, description, _ := strings.Cut(name, "_")

		migrations = append(migrations, Migration{
			Version:     version,
			Description: description,
			SQL:         string(content),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}

// AppliedVersions returns already applied migration versions in order
func (m *MigrationManager) AppliedVersions() ([]string, error) {
	rows, err := m.db.Query("SELECT version FROM schema_migrations ORDER BY version")
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var versions []string
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, err
		}
		versions = append(versions, version)
	}

	return versions, rows.Err()
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

func (m *MigrationManager) applyMigration(migration Migration) error {
	tx, err := m.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(migration.SQL); err != nil {
		return err
	}

	if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", migration.Version); err != nil {
		return err
	}

	return tx.Commit()
}
