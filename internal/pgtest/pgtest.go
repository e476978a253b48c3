// Package pgtest runs an embedded Postgres for integration tests. Tests are
// opt-in: set CLAIMFLOW_PG_TESTS=1.
package pgtest

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gyeh/claimflow/internal/db"
	"github.com/gyeh/claimflow/internal/logging"
)

const (
	testDB       = "claimflowtest"
	testUser     = "postgres"
	testPassword = "postgres"
)

// Enabled reports whether integration tests were requested.
func Enabled() bool {
	return os.Getenv("CLAIMFLOW_PG_TESTS") == "1"
}

// Main starts Postgres on port, runs the tests, and stops it. It sets the DSN
// used by Setup. When integration tests are disabled the tests run without a
// database and Setup skips.
func Main(m *testing.M, port uint32) {
	if !Enabled() {
		os.Exit(m.Run())
	}

	dsn = fmt.Sprintf("postgresql://%s:%s@localhost:%d/%s?sslmode=disable", testUser, testPassword, port, testDB)
	pg := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Port(port).
			Database(testDB).
			Username(testUser).
			Password(testPassword).
			Version(embeddedpostgres.V16).
			RuntimePath(fmt.Sprintf("%s/claimflow-pg-%d", os.TempDir(), port)).
			StartTimeout(30 * time.Second),
	)
	if err := pg.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start embedded postgres: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()

	if err := pg.Stop(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to stop embedded postgres: %v\n", err)
	}
	os.Exit(code)
}

var dsn string

// DSN returns the connection string of the running test database.
func DSN() string { return dsn }

// Setup returns a pool on a freshly migrated claims schema.
func Setup(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if !Enabled() || dsn == "" {
		t.Skip("set CLAIMFLOW_PG_TESTS=1 to run Postgres integration tests")
	}
	ctx := context.Background()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if _, err := pool.Exec(ctx, "DROP SCHEMA IF EXISTS claims CASCADE"); err != nil {
		pool.Close()
		t.Fatalf("drop schema: %v", err)
	}
	if err := db.ApplyMigrations(ctx, pool, logging.Setup("text", "warn")); err != nil {
		pool.Close()
		t.Fatalf("migrations: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
