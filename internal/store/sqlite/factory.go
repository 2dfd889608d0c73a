// Package sqlite backs the stores with an embedded SQLite database.
// This is the default standalone backend; managed deployments use the
// pg package instead.
package sqlite

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/patrick-hofmann/koompl/internal/store"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// OpenDB opens (creating if needed) the SQLite database at path and
// applies pending migrations.
func OpenDB(path string) (*sql.DB, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc's driver is not safe for concurrent writes on one connection
	// pool slot; a single connection plus WAL keeps writers serialized.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies all pending schema migrations. Idempotent.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("migration source: %w", err)
	}
	drv, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", drv)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// NewStores creates all stores backed by one SQLite database.
func NewStores(path string) (*store.Stores, *sql.DB, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, nil, err
	}
	return &store.Stores{
		Mail:   NewMailStore(db),
		Flows:  NewFlowStore(db),
		Agents: NewAgentStore(db),
		Teams:  NewTeamStore(db),
		MCP:    NewMCPServerStore(db),
	}, db, nil
}

// isUniqueViolation reports whether the driver error is a UNIQUE
// constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint")
}

// jsonCol marshals v for storage in a TEXT column.
func jsonCol(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// fromJSONCol unmarshals a TEXT column into out. Empty columns are
// treated as the zero value.
func fromJSONCol(raw string, out any) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), out)
}
