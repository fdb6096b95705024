package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/creditwatch/internal/store"
)

// New opens a SQLite-backed store (modernc.org/sqlite driver, CGO-free).
// path is a filesystem path, optionally prefixed with "sqlite://".
// Use ":memory:" for an in-memory database.
func New(path string, quota int64) (*store.SQL, error) {
	p := strings.TrimSpace(path)
	if strings.HasPrefix(strings.ToLower(p), "sqlite://") {
		p = p[len("sqlite://"):]
	}
	if p == "" {
		return nil, errors.New("empty sqlite path")
	}
	d, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	// in-memory databases are per connection
	d.SetMaxOpenConns(1)
	// busy timeout helps with short concurrent locks
	_, _ = d.Exec("PRAGMA busy_timeout=3000;")
	s, err := store.NewSQL(context.Background(), d, store.DialectSQLite, quota)
	if err != nil {
		_ = d.Close()
		return nil, err
	}
	return s, nil
}
