package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/loykin/creditwatch/internal/history"
)

// Sink writes history events to a SQLite database.
type Sink struct {
	db *sql.DB
}

// New creates a SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:"
func New(dsn string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases alive between statements
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := `CREATE TABLE IF NOT EXISTS credit_history(
		occurred_at TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		session_id TEXT NOT NULL,
		type TEXT NOT NULL,
		path TEXT NOT NULL,
		value INTEGER,
		rule TEXT,
		strategy INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		readings TEXT NOT NULL
	);`
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	readings, err := json.Marshal(e.Values)
	if err != nil {
		return err
	}
	var value sql.NullInt64
	if e.Value != nil {
		value = sql.NullInt64{Int64: int64(*e.Value), Valid: true}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO credit_history(occurred_at, session_id, type, path, value, rule, strategy, attempts, duration_ms, readings)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		e.OccurredAt.UTC(), e.SessionID, string(e.Type), e.Path, value, e.Rule, e.Strategy, e.Attempts, e.Duration.Milliseconds(), string(readings))
	return err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
