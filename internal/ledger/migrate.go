package ledger

import (
	"database/sql"
	"embed"
	stderrors "errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/NikhilSetiya/agentguard/pkg/config"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationSource returns the embedded ledger migrations
func MigrationSource() (source.Driver, error) {
	return iofs.New(migrationsFS, "migrations")
}

// Migrator applies the embedded ledger schema
type Migrator struct {
	migrate *migrate.Migrate
}

// NewMigrator opens a dedicated connection for migrations. The driver owns
// that connection, so it is never shared with the recorder.
func NewMigrator(cfg *config.DatabaseConfig) (*Migrator, error) {
	if cfg == nil {
		return nil, errors.NewConfigurationError("database configuration is required")
	}

	src, err := MigrationSource()
	if err != nil {
		return nil, errors.NewInternalError("failed to load embedded migrations").WithCause(err)
	}

	db, err := sql.Open("postgres", DSN(cfg))
	if err != nil {
		return nil, errors.NewDatabaseError("failed to open migration connection").WithCause(err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.NewDatabaseError("failed to ping ledger database").WithCause(err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{MigrationsTable: "ledger_schema_migrations"})
	if err != nil {
		db.Close()
		return nil, errors.NewDatabaseError("failed to create postgres migration driver").WithCause(err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		db.Close()
		return nil, errors.NewDatabaseError("failed to create migrate instance").WithCause(err)
	}

	return &Migrator{migrate: m}, nil
}

// Close closes the migration source and connection
func (m *Migrator) Close() error {
	if m.migrate == nil {
		return nil
	}
	srcErr, dbErr := m.migrate.Close()
	if srcErr != nil || dbErr != nil {
		return fmt.Errorf("failed to close migrator: source error: %v, db error: %v", srcErr, dbErr)
	}
	return nil
}

// Up runs all available migrations
func (m *Migrator) Up() error {
	if err := m.migrate.Up(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.NewDatabaseError("failed to run ledger migrations").WithCause(err)
	}
	return nil
}

// Down rolls back all migrations
func (m *Migrator) Down() error {
	if err := m.migrate.Down(); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.NewDatabaseError("failed to roll back ledger migrations").WithCause(err)
	}
	return nil
}

// Steps runs n migrations up (positive) or down (negative)
func (m *Migrator) Steps(n int) error {
	if err := m.migrate.Steps(n); err != nil && !stderrors.Is(err, migrate.ErrNoChange) {
		return errors.NewDatabaseError("failed to run ledger migration steps").WithCause(err)
	}
	return nil
}

// Version returns the current migration version
func (m *Migrator) Version() (uint, bool, error) {
	version, dirty, err := m.migrate.Version()
	if err != nil {
		if stderrors.Is(err, migrate.ErrNilVersion) {
			return 0, false, nil
		}
		return 0, false, errors.NewDatabaseError("failed to get ledger migration version").WithCause(err)
	}
	return version, dirty, nil
}

// Force sets the migration version without running migrations
func (m *Migrator) Force(version int) error {
	if err := m.migrate.Force(version); err != nil {
		return errors.NewDatabaseError("failed to force ledger migration version").WithCause(err)
	}
	return nil
}
