// Package testutil starts throwaway infrastructure for integration tests.
package testutil

import (
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	"licensing/internal/infrastructure/database"
	"licensing/migrations"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// StartupPostgreSQL runs a migrated Postgres container for the test and
// purges it on cleanup. The test is skipped in -short mode or when no Docker
// daemon is reachable.
func StartupPostgreSQL(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}

	pool, err := dockertest.NewPool("")
	if err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	if err := pool.Client.Ping(); err != nil {
		t.Skipf("docker unavailable: %v", err)
	}
	pool.MaxWait = 2 * time.Minute

	resource, err := pool.Run("postgres", "16-alpine", []string{
		"POSTGRES_USER=licensing",
		"POSTGRES_PASSWORD=licensing",
		"POSTGRES_DB=licensing_test",
	})
	require.NoError(t, err, "start postgres")
	t.Cleanup(func() {
		require.NoError(t, pool.Purge(resource), "purge resource %s", resource.Container.Name)
	})

	host := getEnv("DOCKERTEST_HOST", "localhost")
	port := resource.GetPort("5432/tcp")
	cfg := database.DBConfig{
		Host:     host,
		User:     "licensing",
		Password: "licensing",
		DBName:   "licensing_test",
		SSLMode:  "disable",
	}
	_, err = fmt.Sscan(port, &cfg.Port)
	require.NoError(t, err, "parse postgres port")

	var db *sql.DB
	// the server inside the container needs a moment before it accepts connections
	err = pool.Retry(func() error {
		db, err = database.NewPostgresDB(cfg)
		return err
	})
	require.NoError(t, err, "wait for postgres connection")
	t.Cleanup(func() { db.Close() })

	dsn := fmt.Sprintf("postgres://licensing:licensing@%s:%s/licensing_test?sslmode=disable", host, port)
	require.NoError(t, migrations.Up(dsn), "apply migrations")
	return db
}
