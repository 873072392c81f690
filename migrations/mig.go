package migrations

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"sync"

	"github.com/pressly/goose/v3"
)

//go:embed files/*.sql
var migrationFS embed.FS

var setupOnce sync.Once

// Up applies every pending key store migration and returns the resulting
// schema version. goose output is discarded; callers log the version.
func Up(ctx context.Context, db *sql.DB) (int64, error) {
	var setupErr error
	setupOnce.Do(func() {
		goose.SetBaseFS(migrationFS)
		goose.SetLogger(goose.NopLogger())
		setupErr = goose.SetDialect("sqlite3")
	})
	if setupErr != nil {
		return 0, fmt.Errorf("set goose dialect: %w", setupErr)
	}
	if err := goose.UpContext(ctx, db, "files"); err != nil {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, err := goose.GetDBVersionContext(ctx, db)
	if err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}
