package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Dialect selects placeholder and DDL syntax for SQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// SQL is a Store backed by a single kv table in a relational database.
// The sqlite and postgres subpackages open the connection; this type holds
// the shared query logic.
type SQL struct {
	db        *sql.DB
	dialect   Dialect
	quota     int64
	listeners Listeners
}

// NewSQL wraps an open database and creates the kv table if missing.
func NewSQL(ctx context.Context, db *sql.DB, dialect Dialect, quota int64) (*SQL, error) {
	s := &SQL{db: db, dialect: dialect, quota: quota}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQL) ensureSchema(ctx context.Context) error {
	q := `CREATE TABLE IF NOT EXISTS kv(
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP)
	);`
	if s.dialect == DialectPostgres {
		q = `CREATE TABLE IF NOT EXISTS kv(
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);`
	}
	_, err := s.db.ExecContext(ctx, q)
	return err
}

func (s *SQL) ph(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (s *SQL) placeholders(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = s.ph(i + 1)
	}
	return strings.Join(parts, ",")
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQL) load(ctx context.Context, q querier, keys []string) (map[string]json.RawMessage, error) {
	query := `SELECT key, value FROM kv`
	args := make([]any, 0, len(keys))
	if len(keys) > 0 {
		query += ` WHERE key IN (` + s.placeholders(len(keys)) + `)`
		for _, k := range keys {
			args = append(args, k)
		}
	}
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = json.RawMessage(v)
	}
	return out, rows.Err()
}

func (s *SQL) Get(ctx context.Context, keys ...string) (map[string]json.RawMessage, error) {
	return s.load(ctx, s.db, keys)
}

func (s *SQL) Set(ctx context.Context, items map[string]any) error {
	enc, err := Encode(items)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	keys := make([]string, 0, len(enc))
	for k := range enc {
		keys = append(keys, k)
	}
	old, err := s.load(ctx, tx, keys)
	if err != nil {
		return err
	}
	if s.quota > 0 {
		used, err := s.bytesInUse(ctx, tx)
		if err != nil {
			return err
		}
		for k, v := range enc {
			if o, ok := old[k]; ok {
				used -= EntrySize(k, o)
			}
			used += EntrySize(k, v)
		}
		if used > s.quota {
			return ErrQuotaExceeded
		}
	}

	upsert := `INSERT INTO kv(key, value, updated_at) VALUES(` + s.ph(1) + `, ` + s.ph(2) + `, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at;`
	changes := make([]Change, 0, len(enc))
	for k, v := range enc {
		if _, err := tx.ExecContext(ctx, upsert, k, string(v)); err != nil {
			return err
		}
		changes = append(changes, Change{Key: k, Old: old[k], New: v})
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	s.listeners.Notify(changes)
	return nil
}

func (s *SQL) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	old, err := s.Get(ctx, keys...)
	if err != nil {
		return err
	}
	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, k)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key IN (`+s.placeholders(len(keys))+`)`, args...); err != nil {
		return err
	}
	changes := make([]Change, 0, len(old))
	for k, v := range old {
		changes = append(changes, Change{Key: k, Old: v})
	}
	s.listeners.Notify(changes)
	return nil
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQL) bytesInUse(ctx context.Context, q rowQuerier) (int64, error) {
	var n sql.NullInt64
	err := q.QueryRowContext(ctx, `SELECT SUM(LENGTH(key) + LENGTH(value)) FROM kv`).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}
	return n.Int64, nil
}

func (s *SQL) BytesInUse(ctx context.Context) (int64, error) { return s.bytesInUse(ctx, s.db) }

func (s *SQL) OnChanged(fn func([]Change)) func() { return s.listeners.Add(fn) }

func (s *SQL) Close() error { return s.db.Close() }
