// Package migrations embeds the goose SQL migrations so binaries and tests
// can apply them without a checkout on disk.
package migrations

import (
	"context"
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

// FS holds every *.sql migration in this directory.
//
//go:embed *.sql
var FS embed.FS

// Dialect is the goose dialect for every migration here.
const Dialect = "postgres"

// Setup points goose at the embedded migrations.
func Setup() error {
	goose.SetBaseFS(FS)
	return goose.SetDialect(Dialect)
}

// Up applies every embedded migration that has not run yet.
func Up(ctx context.Context, db *sql.DB) error {
	if err := Setup(); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, ".")
}
