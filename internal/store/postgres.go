package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib" // PostgreSQL driver
)

// PostgresDriver implements Driver for PostgreSQL via pgx.
type PostgresDriver struct{}

// Name returns the driver name.
func (d *PostgresDriver) Name() string {
	return "postgres"
}

// Open establishes a connection to PostgreSQL.
func (d *PostgresDriver) Open(ctx context.Context, dsn string) (Store, func() error, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	backend, err := newSQLBackend(ctx, db, "postgres")
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return backend, db.Close, nil
}

func init() {
	RegisterDriver(&PostgresDriver{})
}
