// Package testutil provides shared test infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"os"
	"strings"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/mbd888/revolve/migrations"
)

// PGTest opens a test database, applies the embedded goose migrations,
// and returns the *sql.DB plus a cleanup function.
//
// Tests should call this at the top:
//
//	db, cleanup := testutil.PGTest(t)
//	defer cleanup()
//
// POSTGRES_URL selects an existing database. Without it a throwaway
// postgres container is started; if Docker is unavailable the test is
// skipped. The cleanup function truncates all application tables.
func PGTest(t *testing.T) (*sql.DB, func()) {
	t.Helper()
	ctx := context.Background()

	dbURL := os.Getenv("POSTGRES_URL")
	terminate := func() {}
	if dbURL == "" {
		dbURL, terminate = startContainer(t)
	}

	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		terminate()
		t.Fatalf("pgtest: open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: connect to database: %v", err)
	}

	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		terminate()
		t.Fatalf("pgtest: run migrations: %v", err)
	}

	cleanup := func() {
		truncateAll(ctx, db)
		_ = db.Close()
		terminate()
	}

	return db, cleanup
}

func startContainer(t *testing.T) (string, func()) {
	t.Helper()
	ctx := context.Background()

	ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("revolve"),
		tcpostgres.WithUsername("revolve"),
		tcpostgres.WithPassword("revolve"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Skipf("POSTGRES_URL not set and postgres container unavailable: %v", err)
	}

	url, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = testcontainers.TerminateContainer(ctr)
		t.Fatalf("pgtest: container connection string: %v", err)
	}
	return url, func() { _ = testcontainers.TerminateContainer(ctr) }
}

// truncateAll truncates all user-created tables to provide a clean slate
// between tests. goose's version table is left alone.
func truncateAll(ctx context.Context, db *sql.DB) {
	rows, err := db.QueryContext(ctx, `
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public'
		  AND tablename NOT LIKE 'pg_%'
		  AND tablename NOT LIKE 'sql_%'
		  AND tablename <> 'goose_db_version'
	`)
	if err != nil {
		return
	}
	defer func() { _ = rows.Close() }()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err == nil {
			tables = append(tables, name)
		}
	}

	if len(tables) > 0 {
		// Table names come from pg_tables system catalog, not user input.
		stmt := "TRUNCATE " + strings.Join(tables, ", ") + " CASCADE" // #nosec G202 -- table names from pg_tables, not user input
		_, _ = db.ExecContext(ctx, stmt)                              // #nosec G104 -- best-effort cleanup in test teardown
	}
}
