// Package ledger persists confirmed values: the latest reading, the
// previous balance and a daily history, all within a store quota.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/creditwatch/internal/store"
)

const (
	KeyHistory         = "history"
	KeyLatest          = "latest"
	KeyPreviousBalance = "previousBalance"
)

var (
	// ErrDegraded is returned when existing records could not be read.
	ErrDegraded = errors.New("ledger degraded: cannot read store")
	// ErrUnsaved is returned when even the minimal write failed.
	ErrUnsaved = errors.New("cannot save any data")
)

// Entry is one stored count.
type Entry struct {
	Time  time.Time `json:"time"`
	Count int       `json:"count"`
}

// Result tells how a Save was carried out.
type Result int

const (
	Saved Result = iota
	Duplicate
	SavedReduced
	SavedLatestOnly
	NotSaved
)

func (r Result) String() string {
	switch r {
	case Saved:
		return "saved"
	case Duplicate:
		return "duplicate"
	case SavedReduced:
		return "saved_reduced"
	case SavedLatestOnly:
		return "saved_latest_only"
	default:
		return "not_saved"
	}
}

type Config struct {
	Quota           int64         `mapstructure:"quota_bytes"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	TrimTo          int           `mapstructure:"trim_to"`
	ReducedTo       int           `mapstructure:"reduced_to"`
	NearFullRatio   float64       `mapstructure:"near_full_ratio"`
	WarnRatio       float64       `mapstructure:"warn_ratio"`
	WarningInterval time.Duration `mapstructure:"warning_interval"`
}

func DefaultConfig() Config {
	return Config{
		Quota:           store.DefaultQuota,
		HistoryLimit:    50,
		TrimTo:          30,
		ReducedTo:       10,
		NearFullRatio:   0.9,
		WarnRatio:       0.8,
		WarningInterval: time.Hour,
	}
}

// Ledger serializes writes to the value records of a store.
type Ledger struct {
	st    store.Store
	cfg   Config
	clock clockwork.Clock
	log   *slog.Logger

	mu          sync.Mutex
	lastWarning time.Time
	degraded    atomic.Bool
}

func New(st store.Store, cfg Config, clock clockwork.Clock, log *slog.Logger) *Ledger {
	d := DefaultConfig()
	if cfg.Quota <= 0 {
		cfg.Quota = d.Quota
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = d.HistoryLimit
	}
	if cfg.TrimTo <= 0 {
		cfg.TrimTo = d.TrimTo
	}
	if cfg.ReducedTo <= 0 {
		cfg.ReducedTo = d.ReducedTo
	}
	if cfg.NearFullRatio <= 0 {
		cfg.NearFullRatio = d.NearFullRatio
	}
	if cfg.WarnRatio <= 0 {
		cfg.WarnRatio = d.WarnRatio
	}
	if cfg.WarningInterval <= 0 {
		cfg.WarningInterval = d.WarningInterval
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Ledger{st: st, cfg: cfg, clock: clock, log: log}
}

// Degraded reports whether the last read of existing records failed.
func (l *Ledger) Degraded() bool { return l.degraded.Load() }

type records struct {
	History         []Entry `json:"history"`
	Latest          *Entry  `json:"latest"`
	PreviousBalance *int    `json:"previousBalance"`
}

func (l *Ledger) load(ctx context.Context) (records, error) {
	var r records
	m, err := l.st.Get(ctx, KeyHistory, KeyLatest, KeyPreviousBalance)
	if err != nil {
		return r, err
	}
	decode := func(key string, dst any) error {
		raw, ok := m[key]
		if !ok || string(raw) == "null" {
			return nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}
	if err := decode(KeyHistory, &r.History); err != nil {
		return r, err
	}
	if err := decode(KeyLatest, &r.Latest); err != nil {
		return r, err
	}
	if err := decode(KeyPreviousBalance, &r.PreviousBalance); err != nil {
		return r, err
	}
	return r, nil
}

// Save records value as the latest count. An unchanged value is a no-op.
// The history gains an entry only for the first value of each local day.
// When the write does not fit, Save retries with a shorter history and
// finally with the latest value alone.
func (l *Ledger) Save(ctx context.Context, value int) (Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, err := l.load(ctx)
	if err != nil {
		l.degraded.Store(true)
		l.log.Error("ledger read failed", "error", err)
		return NotSaved, fmt.Errorf("%w: %v", ErrDegraded, err)
	}
	l.degraded.Store(false)

	if cur.Latest != nil && cur.Latest.Count == value {
		return Duplicate, nil
	}

	now := l.clock.Now()
	latest := Entry{Time: now, Count: value}
	var prev *int
	if cur.Latest != nil {
		c := cur.Latest.Count
		prev = &c
	}

	history := append([]Entry(nil), cur.History...)
	if len(history) == 0 || !sameDay(history[0].Time, now) {
		history = append([]Entry{latest}, history...)
		if len(history) > l.cfg.HistoryLimit {
			history = history[:l.cfg.HistoryLimit]
		}
	}

	next := records{History: history, Latest: &latest, PreviousBalance: prev}
	if b, err := json.Marshal(next); err == nil && float64(len(b)) > float64(l.cfg.Quota)*l.cfg.NearFullRatio {
		l.log.Warn("storage nearly full, trimming history", "size", len(b), "keep", l.cfg.TrimTo)
		next.History = truncate(next.History, l.cfg.TrimTo)
	}

	err = l.write(ctx, next)
	if err == nil {
		return Saved, nil
	}
	l.log.Error("ledger save failed", "error", err)

	next.History = truncate(next.History, l.cfg.ReducedTo)
	err = l.write(ctx, next)
	if err == nil {
		l.log.Debug("saved with reduced history", "entries", len(next.History))
		return SavedReduced, nil
	}
	l.log.Error("ledger retry failed", "error", err)

	if err := l.st.Set(ctx, map[string]any{KeyLatest: latest}); err != nil {
		l.log.Error("cannot save any data", "error", err)
		return NotSaved, fmt.Errorf("%w: %v", ErrUnsaved, err)
	}
	return SavedLatestOnly, nil
}

func (l *Ledger) write(ctx context.Context, r records) error {
	return l.st.Set(ctx, map[string]any{
		KeyHistory:         r.History,
		KeyLatest:          r.Latest,
		KeyPreviousBalance: r.PreviousBalance,
	})
}

func truncate(h []Entry, n int) []Entry {
	if len(h) > n {
		return h[:n]
	}
	return h
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}

// Latest returns the most recent entry, if any.
func (l *Ledger) Latest(ctx context.Context) (*Entry, error) {
	r, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return r.Latest, nil
}

// History returns the daily entries, newest first.
func (l *Ledger) History(ctx context.Context) ([]Entry, error) {
	r, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return r.History, nil
}

// PreviousBalance returns the count that preceded the latest one.
func (l *Ledger) PreviousBalance(ctx context.Context) (*int, error) {
	r, err := l.load(ctx)
	if err != nil {
		return nil, err
	}
	return r.PreviousBalance, nil
}

// Usage is the outcome of CheckUsage.
type Usage struct {
	Bytes   int64   `json:"bytes"`
	Quota   int64   `json:"quota"`
	Percent float64 `json:"percent"`
	Trimmed bool    `json:"trimmed"`
}

// CheckUsage compares bytes in use with the quota. Above WarnRatio, at most
// once per WarningInterval, it warns and trims the history to TrimTo.
func (l *Ledger) CheckUsage(ctx context.Context) (Usage, error) {
	n, err := l.st.BytesInUse(ctx)
	if err != nil {
		l.log.Error("failed to check storage usage", "error", err)
		return Usage{}, err
	}
	u := Usage{Bytes: n, Quota: l.cfg.Quota, Percent: float64(n) / float64(l.cfg.Quota) * 100}
	l.log.Debug("storage usage", "bytes", n, "percent", fmt.Sprintf("%.1f", u.Percent))

	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock.Now()
	if u.Percent <= l.cfg.WarnRatio*100 || now.Sub(l.lastWarning) <= l.cfg.WarningInterval {
		return u, nil
	}
	l.log.Warn("storage usage is high", "percent", fmt.Sprintf("%.1f", u.Percent))
	l.lastWarning = now

	var h []Entry
	if _, err := store.GetJSON(ctx, l.st, KeyHistory, &h); err != nil {
		return u, err
	}
	if len(h) > l.cfg.TrimTo {
		if err := l.st.Set(ctx, map[string]any{KeyHistory: h[:l.cfg.TrimTo]}); err != nil {
			return u, err
		}
		u.Trimmed = true
		l.log.Info("trimmed history", "entries", l.cfg.TrimTo)
	}
	return u, nil
}
