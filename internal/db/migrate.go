package db

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/banshee-data/sonde.report/internal/monitoring"
)

// SchemaVersion is the version of the newest embedded migration.
const SchemaVersion = 2

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrDirtySchema means a migration failed half way. MigrateForce clears it.
var ErrDirtySchema = errors.New("telemetry log schema is dirty")

// withMigrate runs fn against a migrate instance bound to db. The instance
// is not closed, since that would close the shared *sql.DB.
func (db *DB) withMigrate(fn func(*migrate.Migrate) error) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = migrateLogger{}
	return fn(m)
}

func ignoreNoChange(err error) error {
	if errors.Is(err, migrate.ErrNoChange) {
		return nil
	}
	return err
}

// MigrateUp applies every pending migration.
func (db *DB) MigrateUp() error {
	return db.withMigrate(func(m *migrate.Migrate) error {
		if err := ignoreNoChange(m.Up()); err != nil {
			return fmt.Errorf("migration up failed: %w", err)
		}
		return nil
	})
}

// MigrateDown rolls back the most recent migration.
func (db *DB) MigrateDown() error {
	return db.withMigrate(func(m *migrate.Migrate) error {
		if err := ignoreNoChange(m.Steps(-1)); err != nil {
			return fmt.Errorf("migration down failed: %w", err)
		}
		return nil
	})
}

// MigrateVersion reports the applied schema version, 0 for a fresh file.
func (db *DB) MigrateVersion() (version uint, dirty bool, err error) {
	err = db.withMigrate(func(m *migrate.Migrate) error {
		var verr error
		version, dirty, verr = m.Version()
		if errors.Is(verr, migrate.ErrNilVersion) {
			version, dirty = 0, false
			return nil
		}
		return verr
	})
	return version, dirty, err
}

// MigrateForce records version as applied without running anything.
func (db *DB) MigrateForce(version int) error {
	return db.withMigrate(func(m *migrate.Migrate) error {
		if err := m.Force(version); err != nil {
			return fmt.Errorf("force migration to version %d failed: %w", version, err)
		}
		return nil
	})
}

// checkSchema fails unless the schema is clean and at SchemaVersion.
func (db *DB) checkSchema() error {
	v, dirty, err := db.MigrateVersion()
	if err != nil {
		return err
	}
	if dirty {
		return fmt.Errorf("%w at version %d", ErrDirtySchema, v)
	}
	if v != SchemaVersion {
		return fmt.Errorf("telemetry log schema at version %d, want %d", v, SchemaVersion)
	}
	return nil
}

type migrateLogger struct{}

func (migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Debugf("[migrate] "+format, v...)
}

func (migrateLogger) Verbose() bool { return false }
