// Package scheduler runs bounded extraction attempts against a session.
package scheduler

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/creditwatch/internal/diagnostics"
	"github.com/loykin/creditwatch/internal/document"
	"github.com/loykin/creditwatch/internal/extractor"
	"github.com/loykin/creditwatch/internal/metrics"
	"github.com/loykin/creditwatch/internal/session"
	"github.com/loykin/creditwatch/internal/stability"
)

// DefaultInterval is the delay between attempts that did not confirm.
const DefaultInterval = 200 * time.Millisecond

// Outcome is the result of one attempt cycle.
type Outcome int

const (
	// Pending means another attempt should follow after Result.NextIn.
	Pending Outcome = iota
	Confirmed
	Exhausted
	// Skipped means the session was not accepting attempts.
	Skipped
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Confirmed:
		return "confirmed"
	case Exhausted:
		return "exhausted"
	default:
		return "skipped"
	}
}

// Result describes one attempt.
type Result struct {
	Outcome   Outcome
	Reading   *session.Reading
	Confirmed *session.ConfirmedValue
	// Err is the extraction error of a null attempt.
	Err    error
	Timing diagnostics.AttemptTiming
	NextIn time.Duration
}

type Scheduler struct {
	ext      *extractor.Extractor
	policy   stability.Policy
	interval time.Duration
	clock    clockwork.Clock
	log      *slog.Logger
}

func New(ext *extractor.Extractor, policy stability.Policy, interval time.Duration, clock clockwork.Clock, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = stability.DefaultPolicy().MaxAttempts
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{ext: ext, policy: policy, interval: interval, clock: clock, log: log}
}

func (s *Scheduler) Policy() stability.Policy { return s.policy }

// Attempt runs one extraction against doc and feeds the confirmer. It
// mutates sess and records timing into tm (which may be nil). A confirmed or
// exhausted session is marked resolved.
func (s *Scheduler) Attempt(sess *session.Session, doc document.Document, tm *diagnostics.Timing) Result {
	if sess.State != session.Active || sess.Resolved {
		return Result{Outcome: Skipped}
	}
	if sess.AttemptCount >= s.policy.MaxAttempts {
		sess.Resolved = true
		s.log.Debug("max detection attempts reached", "session", sess.ID)
		return Result{Outcome: Exhausted}
	}

	start := s.clock.Now()
	cand, err := s.ext.Extract(doc)
	dur := s.clock.Since(start)
	sess.AttemptCount++
	sess.LastAttemptAt = start
	metrics.ObserveAttemptDuration(dur.Seconds())
	recordStrategies(cand, err)

	res := Result{Err: err}
	var value *int
	if err == nil {
		r := session.Reading{Value: cand.Value, StrategyID: cand.StrategyID, AttemptIndex: sess.AttemptCount, Timestamp: start}
		sess.Append(r)
		res.Reading = &r
		value = &r.Value
	}
	metrics.IncAttempt(err == nil)
	if tm != nil {
		res.Timing = tm.Record(sess.AttemptCount, value, cand.StrategyID, start, dur)
	}
	if err != nil {
		s.log.Debug("detection attempt", "session", sess.ID, "attempt", sess.AttemptCount, "max", s.policy.MaxAttempts, "value", nil, "took", dur, "interval", res.Timing.Interval)
	} else {
		s.log.Debug("detection attempt", "session", sess.ID, "attempt", sess.AttemptCount, "max", s.policy.MaxAttempts, "value", cand.Value, "strategy", cand.StrategyID, "took", dur, "interval", res.Timing.Interval)
	}

	v := stability.Confirm(sess.Values(), sess.AttemptCount, s.policy)
	if v.OK {
		cv := session.ConfirmedValue{
			Value:                v.Value,
			SupportingStrategyID: sess.SupportingStrategy(v.Value),
			AttemptsUsed:         sess.AttemptCount,
			Rule:                 v.Rule,
			RuleName:             v.Rule.String(),
			SessionID:            sess.ID,
			ConfirmedAt:          s.clock.Now(),
		}
		sess.Resolved = true
		sess.Confirmed = &cv
		res.Outcome = Confirmed
		res.Confirmed = &cv
		metrics.RecordConfirmation(v.Rule.String(), cv.AttemptsUsed, cv.Value)
		s.log.Debug("stable value confirmed", "session", sess.ID, "value", cv.Value, "rule", v.Rule.String(), "attempts", cv.AttemptsUsed)
		return res
	}
	if sess.AttemptCount >= s.policy.MaxAttempts {
		sess.Resolved = true
		res.Outcome = Exhausted
		s.log.Debug("stabilization exhausted", "session", sess.ID, "values", sess.Values())
		return res
	}
	res.Outcome = Pending
	res.NextIn = s.interval
	return res
}

func recordStrategies(cand extractor.Candidate, err error) {
	var all *extractor.AllFailedError
	if errors.As(err, &all) {
		for _, c := range all.Causes {
			metrics.IncStrategyResult(strconv.Itoa(c.ID), "error")
		}
		return
	}
	if err == nil {
		metrics.IncStrategyResult(strconv.Itoa(cand.StrategyID), "ok")
	}
}
