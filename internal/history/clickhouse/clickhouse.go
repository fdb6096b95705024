package clickhouse

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/loykin/creditwatch/internal/history"
)

// Sink sends events to ClickHouse using the native protocol.
type Sink struct {
	conn  driver.Conn
	table string
}

// Options addresses a ClickHouse server.
type Options struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(opts Options) (*Sink, error) {
	if opts.Database == "" {
		opts.Database = "default"
	}
	if opts.Username == "" {
		opts.Username = "default"
	}
	if opts.Table == "" {
		opts.Table = "credit_history"
	}
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{opts.Addr},
		Auth: clickhouse.Auth{
			Database: opts.Database,
			Username: opts.Username,
			Password: opts.Password,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	ctx := context.Background()
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}
	s := &Sink{conn: conn, table: opts.Table}
	if err := s.ensureSchema(ctx); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	err := s.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS `+s.table+` (
			occurred_at DateTime64(3),
			session_id String,
			type LowCardinality(String),
			path LowCardinality(String),
			value Nullable(Int64),
			rule String,
			strategy UInt8,
			attempts UInt16,
			duration_ms UInt64,
			readings Array(Int64)
		) ENGINE = MergeTree()
		ORDER BY (occurred_at, session_id)`)
	if err != nil {
		return fmt.Errorf("failed to create ClickHouse table: %w", err)
	}
	return nil
}

func (s *Sink) Close() error {
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	query := fmt.Sprintf(`INSERT INTO %s (occurred_at, session_id, type, path, value, rule, strategy, attempts, duration_ms, readings) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, s.table)

	var value *int64
	if e.Value != nil {
		v := int64(*e.Value)
		value = &v
	}
	readings := make([]int64, len(e.Values))
	for i, v := range e.Values {
		readings[i] = int64(v)
	}
	err := s.conn.Exec(ctx, query,
		e.OccurredAt,
		e.SessionID,
		string(e.Type),
		e.Path,
		value,
		e.Rule,
		uint8(e.Strategy),
		uint16(e.Attempts),
		uint64(e.Duration.Milliseconds()),
		readings,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event into ClickHouse: %w", err)
	}
	return nil
}
