package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/loykin/creditwatch/internal/store"
)

// New opens a Postgres-backed store through the pgx stdlib driver.
func New(dsn string, quota int64) (*store.SQL, error) {
	d, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.PingContext(ctx); err != nil {
		_ = d.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s, err := store.NewSQL(ctx, d, store.DialectPostgres, quota)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}
