// Package diagnostics records how detection went: per-attempt timings,
// failure snapshots and per-strategy success counts. Nothing here feeds
// back into detection decisions.
package diagnostics

import (
	"log/slog"
	"time"
)

// AttemptTiming describes one extraction attempt. Value is nil for an
// attempt that produced no reading.
type AttemptTiming struct {
	Attempt  int           `json:"attempt"`
	Value    *int          `json:"value"`
	Strategy int           `json:"strategy,omitempty"`
	Duration time.Duration `json:"duration"`
	Interval time.Duration `json:"interval"`
}

// Stats is min/avg/max over a set of durations.
type Stats struct {
	Avg time.Duration `json:"avg"`
	Min time.Duration `json:"min"`
	Max time.Duration `json:"max"`
}

// Summary describes one finished session.
type Summary struct {
	SessionID string          `json:"session_id"`
	Outcome   string          `json:"outcome"`
	Total     time.Duration   `json:"total"`
	Values    []int           `json:"values"`
	Attempts  []AttemptTiming `json:"attempts"`
	Duration  Stats           `json:"duration"`
	Interval  *Stats          `json:"interval,omitempty"`
}

// LogValue renders the summary as a slog group.
func (s Summary) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("session", s.SessionID),
		slog.String("outcome", s.Outcome),
		slog.Duration("total", s.Total),
		slog.Int("attempts", len(s.Attempts)),
		slog.Any("values", s.Values),
		slog.Duration("duration_avg", s.Duration.Avg),
		slog.Duration("duration_min", s.Duration.Min),
		slog.Duration("duration_max", s.Duration.Max),
	}
	if s.Interval != nil {
		attrs = append(attrs,
			slog.Duration("interval_avg", s.Interval.Avg),
			slog.Duration("interval_min", s.Interval.Min),
			slog.Duration("interval_max", s.Interval.Max))
	}
	return slog.GroupValue(attrs...)
}

// Timing accumulates attempt timings for the current session. It is owned
// by the session goroutine.
type Timing struct {
	sessionID string
	start     time.Time
	last      time.Time
	attempts  []AttemptTiming
}

// Begin starts measuring a new session.
func (t *Timing) Begin(sessionID string, now time.Time) {
	*t = Timing{sessionID: sessionID, start: now}
}

// Active reports whether a session is being measured.
func (t *Timing) Active() bool { return !t.start.IsZero() }

// Record adds an attempt that started at startedAt and took d.
func (t *Timing) Record(attempt int, value *int, strategy int, startedAt time.Time, d time.Duration) AttemptTiming {
	var interval time.Duration
	if !t.last.IsZero() {
		interval = startedAt.Sub(t.last)
	}
	t.last = startedAt
	a := AttemptTiming{Attempt: attempt, Value: value, Strategy: strategy, Duration: d, Interval: interval}
	t.attempts = append(t.attempts, a)
	return a
}

// End stops measuring and returns the summary. The second result is false
// when no session was active.
func (t *Timing) End(outcome string, now time.Time) (Summary, bool) {
	if !t.Active() {
		return Summary{}, false
	}
	s := Summary{
		SessionID: t.sessionID,
		Outcome:   outcome,
		Total:     now.Sub(t.start),
		Attempts:  t.attempts,
	}
	var durations, intervals []time.Duration
	for _, a := range t.attempts {
		durations = append(durations, a.Duration)
		if a.Interval > 0 {
			intervals = append(intervals, a.Interval)
		}
		if a.Value != nil {
			s.Values = append(s.Values, *a.Value)
		}
	}
	s.Duration = stats(durations)
	if len(intervals) > 0 {
		is := stats(intervals)
		s.Interval = &is
	}
	*t = Timing{}
	return s, true
}

func stats(ds []time.Duration) Stats {
	if len(ds) == 0 {
		return Stats{}
	}
	st := Stats{Min: ds[0], Max: ds[0]}
	var sum time.Duration
	for _, d := range ds {
		sum += d
		st.Min = min(st.Min, d)
		st.Max = max(st.Max, d)
	}
	st.Avg = sum / time.Duration(len(ds))
	return st
}
