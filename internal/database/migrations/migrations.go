package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// SchemaVersion describes where a database stands relative to the embedded migrations.
type SchemaVersion struct {
	Current uint // 0 when no migration has been applied
	Latest  uint
	Dirty   bool
}

// UpToDate reports whether the schema matches the binary exactly.
func (v SchemaVersion) UpToDate() bool {
	return !v.Dirty && v.Current == v.Latest
}

// Status reads the schema version of db without changing it.
func Status(db *sql.DB) (SchemaVersion, error) {
	var sv SchemaVersion

	latest, err := latestVersion()
	if err != nil {
		return sv, fmt.Errorf("determining latest version: %w", err)
	}
	sv.Latest = latest

	m, err := newMigrate(db)
	if err != nil {
		return sv, err
	}
	// m is not closed: closing it would close db, which the caller owns.

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return sv, fmt.Errorf("reading schema version: %w", err)
	}
	sv.Current = version
	sv.Dirty = dirty
	return sv, nil
}

// CheckDBMigrationStatus returns nil when db is at the latest schema version,
// or an error describing the mismatch.
func CheckDBMigrationStatus(db *sql.DB) error {
	sv, err := Status(db)
	if err != nil {
		return err
	}
	switch {
	case sv.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", sv.Current)
	case sv.Current == 0:
		return fmt.Errorf("database has no schema version (needs migration)")
	case sv.Current < sv.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			sv.Current, sv.Latest, sv.Latest-sv.Current)
	case sv.Current > sv.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			sv.Current, sv.Latest)
	}
	return nil
}

// MigrateUp applies all pending migrations. An up-to-date database is not an error.
func MigrateUp(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

func latestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

// lastVersion walks the source to its highest version.
func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if err != nil {
			return v, nil
		}
		v = next
	}
}
