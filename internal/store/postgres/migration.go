package postgres

import (
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres" // required for postgres migrate driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations
var migrationFs embed.FS

const resourcePath = "migrations"

func NewMigrator(dbConnURL string) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationFs, resourcePath)
	if err != nil {
		return nil, fmt.Errorf("error initializing source driver: %w", err)
	}
	return migrate.NewWithSourceInstance("iofs", sourceDriver, dbConnURL)
}

// Migrate applies every pending up migration
func Migrate(connURL string) error {
	return withMigrator(connURL, func(m *migrate.Migrate) error {
		if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

// Rollback reverts the last count migrations
func Rollback(connURL string, count int) error {
	if count < 1 {
		return fmt.Errorf("invalid value[%d] for rollback", count)
	}
	return withMigrator(connURL, func(m *migrate.Migrate) error {
		return m.Steps(-count)
	})
}

func ToVersion(version uint, connURL string) error {
	return withMigrator(connURL, func(m *migrate.Migrate) error {
		if err := m.Migrate(version); err != nil && !errors.Is(err, migrate.ErrNoChange) {
			return err
		}
		return nil
	})
}

// Version returns the applied migration version and whether it is dirty
func Version(connURL string) (version uint, dirty bool, err error) {
	err = withMigrator(connURL, func(m *migrate.Migrate) error {
		version, dirty, err = m.Version()
		if errors.Is(err, migrate.ErrNilVersion) {
			return nil
		}
		return err
	})
	return version, dirty, err
}

func withMigrator(connURL string, fn func(m *migrate.Migrate) error) error {
	m, err := NewMigrator(connURL)
	if err != nil {
		return fmt.Errorf("db migrator: %w", err)
	}
	defer m.Close()

	if err := fn(m); err != nil {
		return fmt.Errorf("db migrator: %w", err)
	}
	return nil
}
