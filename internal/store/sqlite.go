package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver
)

// SQLiteDriver implements Driver for SQLite. It is the default backend and
// requires no external services.
type SQLiteDriver struct{}

// Name returns the driver name.
func (d *SQLiteDriver) Name() string {
	return "sqlite"
}

// Open establishes a connection to the SQLite database at the DSN path.
func (d *SQLiteDriver) Open(ctx context.Context, dsn string) (Store, func() error, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY under
	// concurrent job execution.
	db.SetMaxOpenConns(1)

	backend, err := newSQLBackend(ctx, db, "sqlite")
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return backend, db.Close, nil
}

func init() {
	RegisterDriver(&SQLiteDriver{})
}
