//go:build !unit_test

package keybot_test

import (
	"fmt"
	"os"
	"sync"
	"testing"

	"gorm.io/gorm"

	"github.com/odpf/kleidi/config"
	"github.com/odpf/kleidi/internal/store/postgres"
)

var (
	kleidiDB   *gorm.DB
	setupErr   error
	initDBOnce sync.Once
)

// testDB returns a migrated database with every table emptied, the test is
// skipped when TEST_KLEIDI_DB_URL is not set
func testDB(t *testing.T) *gorm.DB {
	t.Helper()

	dbURL, ok := os.LookupEnv("TEST_KLEIDI_DB_URL")
	if !ok {
		t.Skip("TEST_KLEIDI_DB_URL is not set")
	}

	initDBOnce.Do(func() {
		kleidiDB, setupErr = migrateDB(dbURL)
	})
	if setupErr != nil {
		t.Fatalf("unable to set up test db: %v", setupErr)
	}

	if err := kleidiDB.Exec("TRUNCATE TABLE credentials, service, owner CASCADE").Error; err != nil {
		t.Fatalf("unable to truncate tables: %v", err)
	}
	return kleidiDB
}

func migrateDB(dbURL string) (*gorm.DB, error) {
	m, err := postgres.NewMigrator(dbURL)
	if err != nil {
		return nil, err
	}
	if err := m.Drop(); err != nil {
		return nil, fmt.Errorf("drop: %w", err)
	}
	m.Close()

	if err := postgres.Migrate(dbURL); err != nil {
		return nil, err
	}

	return postgres.Connect(config.DBConfig{
		DSN:               dbURL,
		MaxIdleConnection: 1,
		MaxOpenConnection: 2,
	}, os.Stdout)
}
