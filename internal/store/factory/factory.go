package factory

import (
	"errors"
	"strings"

	"github.com/loykin/creditwatch/internal/store"
	pg "github.com/loykin/creditwatch/internal/store/postgres"
	sq "github.com/loykin/creditwatch/internal/store/sqlite"
)

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - memory:   "memory://"
//   - sqlite:   "sqlite:///<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string, quota int64) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if ld == "memory://" || ld == "memory" {
		return store.NewMemory(quota), nil
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d, quota)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(d, quota)
	}
	if strings.Contains(d, "://") {
		return nil, errors.New("unsupported store DSN: " + dsn)
	}
	// default to sqlite path
	return sq.New(d, quota)
}
