package diagnostics

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/creditwatch/internal/store"
)

const (
	KeyStrategyStats  = "strategyStats"
	KeySuccessHistory = "successHistory"
	KeyFailureLogs    = "failureLogs"

	successHistoryLimit = 100
	failureLogLimit     = 20
)

// SuccessEntry is one confirmed value and the strategy that supported it.
type SuccessEntry struct {
	Strategy int       `json:"strategy"`
	Time     time.Time `json:"time"`
	Value    int       `json:"value"`
}

// StrategyStats counts confirmations per strategy, keyed "strategy_N".
type StrategyStats struct {
	Counts      map[string]int `json:"counts"`
	LastSuccess *SuccessEntry  `json:"lastSuccess,omitempty"`
}

// Report is everything the journal holds.
type Report struct {
	Stats          StrategyStats   `json:"strategyStats"`
	SuccessHistory []SuccessEntry  `json:"successHistory"`
	FailureLogs    []FailureRecord `json:"failureLogs"`
}

// Journal keeps diagnostics records in a store.
type Journal struct {
	st    store.Store
	clock clockwork.Clock
	log   *slog.Logger
	mu    sync.Mutex
}

func NewJournal(st store.Store, clock clockwork.Clock, log *slog.Logger) *Journal {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Journal{st: st, clock: clock, log: log}
}

func StrategyKey(id int) string { return fmt.Sprintf("strategy_%d", id) }

// RecordSuccess bumps the counter of strategy and appends to the success
// history, which keeps the newest entries only.
func (j *Journal) RecordSuccess(ctx context.Context, strategy, value int) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var stats StrategyStats
	if _, err := store.GetJSON(ctx, j.st, KeyStrategyStats, &stats); err != nil {
		j.log.Warn("failed to load strategy stats", "error", err)
		return err
	}
	var hist []SuccessEntry
	if _, err := store.GetJSON(ctx, j.st, KeySuccessHistory, &hist); err != nil {
		j.log.Warn("failed to load success history", "error", err)
		return err
	}
	if stats.Counts == nil {
		stats.Counts = map[string]int{}
	}
	e := SuccessEntry{Strategy: strategy, Time: j.clock.Now(), Value: value}
	stats.Counts[StrategyKey(strategy)]++
	stats.LastSuccess = &e
	hist = append(hist, e)
	if len(hist) > successHistoryLimit {
		hist = hist[len(hist)-successHistoryLimit:]
	}
	return j.st.Set(ctx, map[string]any{KeyStrategyStats: stats, KeySuccessHistory: hist})
}

// RecordFailure appends rec to the failure log, which keeps the newest
// entries only.
func (j *Journal) RecordFailure(ctx context.Context, rec FailureRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var logs []FailureRecord
	if _, err := store.GetJSON(ctx, j.st, KeyFailureLogs, &logs); err != nil {
		j.log.Warn("failed to load failure logs", "error", err)
		return err
	}
	logs = append(logs, rec)
	if len(logs) > failureLogLimit {
		logs = logs[len(logs)-failureLogLimit:]
	}
	return j.st.Set(ctx, map[string]any{KeyFailureLogs: logs})
}

func (j *Journal) Report(ctx context.Context) (Report, error) {
	var r Report
	if _, err := store.GetJSON(ctx, j.st, KeyStrategyStats, &r.Stats); err != nil {
		return r, err
	}
	if _, err := store.GetJSON(ctx, j.st, KeySuccessHistory, &r.SuccessHistory); err != nil {
		return r, err
	}
	if _, err := store.GetJSON(ctx, j.st, KeyFailureLogs, &r.FailureLogs); err != nil {
		return r, err
	}
	if r.Stats.Counts == nil {
		r.Stats.Counts = map[string]int{}
	}
	return r, nil
}

// Clear drops every diagnostics record.
func (j *Journal) Clear(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.st.Remove(ctx, KeyStrategyStats, KeySuccessHistory, KeyFailureLogs)
}
