// Package lifecycle tracks appearances of the value element and drives
// stabilization for each one.
//
// Tracker combines both detection paths, the attempt loop and the
// persistence handoff into a single state machine. All session state is
// owned by one goroutine; observers and timers only post events to it.
//
// State Machine:
// Idle -> Active -> Closing -> Idle
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/loykin/creditwatch/internal/detector"
	"github.com/loykin/creditwatch/internal/diagnostics"
	"github.com/loykin/creditwatch/internal/document"
	"github.com/loykin/creditwatch/internal/extractor"
	"github.com/loykin/creditwatch/internal/metrics"
	"github.com/loykin/creditwatch/internal/scheduler"
	"github.com/loykin/creditwatch/internal/session"
	"github.com/loykin/creditwatch/internal/source"
)

var (
	ErrRunning = errors.New("tracker already running")
	ErrStopped = errors.New("tracker stopped")
)

// Config holds the detection selectors and timings.
type Config struct {
	Popover      string        `mapstructure:"popover"`
	Marker       string        `mapstructure:"marker"`
	Debounce     time.Duration `mapstructure:"debounce"`
	Cooldown     time.Duration `mapstructure:"cooldown"`
	RemovalPoll  time.Duration `mapstructure:"removal_poll_interval"`
	RemovalPolls int           `mapstructure:"removal_poll_max"`
	Snapshot     diagnostics.SnapshotConfig
}

func DefaultConfig() Config {
	return Config{
		Popover:      ".n-popover.n-popover-shared",
		Marker:       ".credit-left-item",
		Debounce:     300 * time.Millisecond,
		Cooldown:     time.Second,
		RemovalPoll:  100 * time.Millisecond,
		RemovalPolls: 20,
		Snapshot:     diagnostics.DefaultSnapshotConfig(),
	}
}

// Handoff persists a confirmed value. It runs off the event loop.
type Handoff func(ctx context.Context, cv session.ConfirmedValue) error

// Outcome describes how a session's stabilization ended.
type Outcome struct {
	SessionID string
	Path      string
	Result    string
	Confirmed *session.ConfirmedValue
	Summary   diagnostics.Summary
	StartedAt time.Time
	EndedAt   time.Time
}

// Status is a point-in-time copy of the tracker state.
type Status struct {
	State           string                  `json:"state"`
	Path            string                  `json:"path"`
	SessionID       string                  `json:"session_id,omitempty"`
	AttemptCount    int                     `json:"attempts"`
	Readings        []session.Reading       `json:"readings"`
	Resolved        bool                    `json:"resolved"`
	Confirmed       *session.ConfirmedValue `json:"confirmed,omitempty"`
	HandoffInFlight bool                    `json:"handoff_in_flight"`
	LastProcessed   *int                    `json:"last_processed,omitempty"`
	LastClosedAt    *time.Time              `json:"last_closed_at,omitempty"`
}

// Deps are the collaborators of a Tracker. Journal, Handoff and OnOutcome
// are optional. OnOutcome is called on the event loop and must not block.
type Deps struct {
	Source    source.Source
	Scheduler *scheduler.Scheduler
	Clock     clockwork.Clock
	Log       *slog.Logger
	Journal   *diagnostics.Journal
	Handoff   Handoff
	OnOutcome func(Outcome)
}

type timerKind int

const (
	timerPrimary timerKind = iota
	timerFallback
	timerRetry
	timerRemoval
	numTimers
)

type timerSlot struct {
	t   clockwork.Timer
	gen uint64
}

type eventKind int

const (
	evNotify eventKind = iota
	evTimer
	evHandoffDone
	evStatus
)

type event struct {
	kind  eventKind
	path  session.Path
	timer timerKind
	gen   uint64
	value int
	err   error
	reply chan Status
}

type Tracker struct {
	cfg       Config
	src       source.Source
	sched     *scheduler.Scheduler
	clock     clockwork.Clock
	log       *slog.Logger
	journal   *diagnostics.Journal
	handoffFn Handoff
	onOutcome func(Outcome)

	primary  detector.PopoverDetector
	fallback detector.ElementDetector

	events  chan event
	done    chan struct{}
	running atomic.Bool
	wg      sync.WaitGroup

	// owned by the event loop
	sess          session.Session
	timing        diagnostics.Timing
	lastClose     time.Time
	timers        [numTimers]timerSlot
	polls         int
	inFlight      bool
	deferred      bool
	lastProcessed *int
	pending       *session.ConfirmedValue
}

func New(cfg Config, deps Deps) *Tracker {
	def := DefaultConfig()
	if cfg.Popover == "" {
		cfg.Popover = def.Popover
	}
	if cfg.Marker == "" {
		cfg.Marker = def.Marker
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = def.Debounce
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if cfg.RemovalPoll <= 0 {
		cfg.RemovalPoll = def.RemovalPoll
	}
	if cfg.RemovalPolls <= 0 {
		cfg.RemovalPolls = def.RemovalPolls
	}
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Tracker{
		cfg:       cfg,
		src:       deps.Source,
		sched:     deps.Scheduler,
		clock:     deps.Clock,
		log:       deps.Log,
		journal:   deps.Journal,
		handoffFn: deps.Handoff,
		onOutcome: deps.OnOutcome,
		primary:   detector.PopoverDetector{Selector: cfg.Popover, Marker: cfg.Marker},
		fallback:  detector.ElementDetector{Selector: cfg.Marker},
		events:    make(chan event, 64),
		done:      make(chan struct{}),
		sess:      session.Session{State: session.Idle},
	}
}

// Run observes the source and processes events until ctx is done. A
// Tracker runs at most once.
func (t *Tracker) Run(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	stopPrimary, err := t.src.Observe(ctx, source.ObserveOptions{
		Subtree:         true,
		Attributes:      true,
		AttributeFilter: []string{"style", "class", "hidden"},
	}, func() { t.post(event{kind: evNotify, path: session.PathPrimary}) })
	if err != nil {
		close(t.done)
		return fmt.Errorf("observe popover: %w", err)
	}
	defer stopPrimary()
	stopFallback, err := t.src.Observe(ctx, source.ObserveOptions{Subtree: true},
		func() { t.post(event{kind: evNotify, path: session.PathFallback}) })
	if err != nil {
		close(t.done)
		return fmt.Errorf("observe document: %w", err)
	}
	defer stopFallback()

	metrics.SetCurrentState(session.Idle.String(), stateNames...)
	// the value may already be on screen
	t.schedule(timerPrimary, t.cfg.Debounce)
	t.schedule(timerFallback, t.cfg.Debounce)

	t.log.Info("tracker started", "popover", t.cfg.Popover, "marker", t.cfg.Marker)
	for {
		select {
		case <-ctx.Done():
			t.shutdown()
			return nil
		case ev := <-t.events:
			t.handle(ctx, ev)
		}
	}
}

// Status returns a copy of the current state.
func (t *Tracker) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case t.events <- event{kind: evStatus, reply: reply}:
	case <-t.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case s := <-reply:
		return s, nil
	case <-t.done:
		return Status{}, ErrStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

func (t *Tracker) post(ev event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Tracker) shutdown() {
	for k := range t.timers {
		t.stopTimer(timerKind(k))
	}
	close(t.done)
	t.wg.Wait()
	t.log.Info("tracker stopped")
}

func (t *Tracker) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evNotify:
		if ev.path == session.PathPrimary {
			t.schedule(timerPrimary, t.cfg.Debounce)
		} else {
			t.schedule(timerFallback, t.cfg.Debounce)
		}
	case evTimer:
		slot := &t.timers[ev.timer]
		if ev.gen != slot.gen || slot.t == nil {
			return // superseded
		}
		slot.t = nil
		switch ev.timer {
		case timerPrimary:
			t.evaluatePrimary(ctx)
		case timerFallback:
			t.evaluateFallback(ctx)
		case timerRetry:
			t.runAttempt(ctx, nil)
		case timerRemoval:
			t.pollRemoval(ctx)
		}
	case evHandoffDone:
		t.handoffDone(ctx, ev.value, ev.err)
	case evStatus:
		ev.reply <- t.status()
	}
}

// schedule replaces any pending timer of kind k.
func (t *Tracker) schedule(k timerKind, d time.Duration) {
	t.stopTimer(k)
	slot := &t.timers[k]
	slot.gen++
	gen := slot.gen
	slot.t = t.clock.AfterFunc(d, func() { t.post(event{kind: evTimer, timer: k, gen: gen}) })
}

func (t *Tracker) stopTimer(k timerKind) {
	slot := &t.timers[k]
	if slot.t != nil {
		slot.t.Stop()
		slot.t = nil
	}
}

func (t *Tracker) snapshot(ctx context.Context) document.Document {
	doc, err := t.src.Snapshot(ctx)
	if err != nil {
		t.log.Warn("failed to snapshot document", "error", err)
		return nil
	}
	return doc
}

func (t *Tracker) evaluatePrimary(ctx context.Context) {
	doc := t.snapshot(ctx)
	if doc == nil {
		return
	}
	present, err := t.primary.Present(doc)
	if err != nil {
		t.log.Warn("primary detector failed", "detector", t.primary.Describe(), "error", err)
		return
	}
	if present {
		t.start(ctx, session.PathPrimary, doc)
		return
	}
	if t.sess.State == session.Active && t.sess.Path == session.PathPrimary {
		t.close("popover hidden")
	}
}

func (t *Tracker) evaluateFallback(ctx context.Context) {
	if t.sess.State == session.Closing {
		return
	}
	if t.inFlight {
		t.deferred = true
		return
	}
	doc := t.snapshot(ctx)
	if doc == nil {
		return
	}
	present, err := t.fallback.Present(doc)
	if err != nil {
		t.log.Warn("fallback detector failed", "detector", t.fallback.Describe(), "error", err)
		return
	}
	if present {
		// a value inside the popover belongs to the primary path, whose end
		// signal is the popover hiding
		path := session.PathFallback
		if inPopover, _ := t.primary.Present(doc); inPopover {
			path = session.PathPrimary
		}
		t.start(ctx, path, doc)
		return
	}
	if t.sess.State == session.Active && t.sess.Path == session.PathFallback {
		if _, ok := doc.Query(t.cfg.Marker); !ok {
			t.close("source removed")
		}
	}
}

func (t *Tracker) start(ctx context.Context, path session.Path, doc document.Document) {
	if t.sess.State != session.Idle {
		return
	}
	now := t.clock.Now()
	if !t.lastClose.IsZero() && now.Sub(t.lastClose) < t.cfg.Cooldown {
		t.log.Debug("ignoring start within cooldown", "path", path.String(), "since_close", now.Sub(t.lastClose))
		metrics.IncIgnoredStart()
		return
	}
	t.sess.Begin(path, now)
	t.transition(session.Idle, session.Active)
	t.timing.Begin(t.sess.ID, now)
	metrics.IncSessionStarted(path.String())
	t.log.Info("session started", "session", t.sess.ID, "path", path.String())
	t.runAttempt(ctx, doc)
}

// close moves an Active session to Closing and starts waiting for the
// source element to go away.
func (t *Tracker) close(reason string) {
	if t.sess.State != session.Active {
		return
	}
	t.stopTimer(timerRetry)
	if !t.sess.Resolved {
		t.finish("abandoned", nil)
	}
	t.lastClose = t.clock.Now()
	t.sess.State = session.Closing
	t.transition(session.Active, session.Closing)
	t.polls = 0
	t.log.Info("session closing", "session", t.sess.ID, "reason", reason)
	t.schedule(timerRemoval, t.cfg.RemovalPoll)
}

func (t *Tracker) pollRemoval(ctx context.Context) {
	if t.sess.State != session.Closing {
		return
	}
	t.polls++
	removed := false
	if doc := t.snapshot(ctx); doc != nil {
		_, present := doc.Query(t.cfg.Marker)
		removed = !present
	}
	if !removed && t.polls < t.cfg.RemovalPolls {
		t.schedule(timerRemoval, t.cfg.RemovalPoll)
		return
	}
	if !removed {
		t.log.Warn("source still present after removal polls, forcing reset", "session", t.sess.ID, "polls", t.polls)
	}
	id := t.sess.ID
	t.sess.Reset()
	t.polls = 0
	t.transition(session.Closing, session.Idle)
	t.log.Info("session ended", "session", id)
}

// runAttempt performs one attempt against doc, or a fresh snapshot when doc
// is nil, and schedules the next one while attempts remain.
func (t *Tracker) runAttempt(ctx context.Context, doc document.Document) {
	if doc == nil {
		doc = t.snapshot(ctx)
	}
	t.stopTimer(timerRetry)
	res := t.sched.Attempt(&t.sess, doc, &t.timing)
	if res.Outcome != scheduler.Skipped && errors.Is(res.Err, extractor.ErrNoValue) {
		t.recordFailure(ctx, doc, "all strategies failed")
	}
	switch res.Outcome {
	case scheduler.Pending:
		t.schedule(timerRetry, res.NextIn)
	case scheduler.Confirmed:
		t.finish("confirmed", res.Confirmed)
		t.handoff(ctx, *res.Confirmed)
	case scheduler.Exhausted:
		t.finish("exhausted", nil)
		t.recordFailure(ctx, doc, "stabilization exhausted")
	}
}

func (t *Tracker) finish(result string, cv *session.ConfirmedValue) {
	now := t.clock.Now()
	summary, ok := t.timing.End(result, now)
	if ok {
		t.log.Info("detection summary", "summary", summary)
	}
	metrics.IncSessionEnded(result)
	if t.onOutcome != nil {
		t.onOutcome(Outcome{
			SessionID: t.sess.ID,
			Path:      t.sess.Path.String(),
			Result:    result,
			Confirmed: cv,
			Summary:   summary,
			StartedAt: t.sess.StartedAt,
			EndedAt:   now,
		})
	}
}

func (t *Tracker) recordFailure(ctx context.Context, doc document.Document, reason string) {
	if t.journal == nil {
		return
	}
	rec := diagnostics.Snapshot(doc, t.cfg.Snapshot, reason, t.clock.Now())
	rec.SessionID = t.sess.ID
	rec.Values = t.sess.Values()
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		if err := t.journal.RecordFailure(context.WithoutCancel(ctx), rec); err != nil {
			t.log.Warn("failed to record failure snapshot", "error", err)
		}
	}()
}

func (t *Tracker) handoff(ctx context.Context, cv session.ConfirmedValue) {
	if t.handoffFn == nil {
		return
	}
	if t.lastProcessed != nil && *t.lastProcessed == cv.Value {
		t.log.Debug("value already processed", "value", cv.Value)
		return
	}
	if t.inFlight {
		t.pending = &cv
		return
	}
	t.inFlight = true
	v := cv.Value
	t.lastProcessed = &v
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		err := t.handoffFn(context.WithoutCancel(ctx), cv)
		t.post(event{kind: evHandoffDone, value: cv.Value, err: err})
	}()
}

func (t *Tracker) handoffDone(ctx context.Context, value int, err error) {
	t.inFlight = false
	if err != nil {
		t.log.Warn("failed to persist confirmed value", "value", value, "error", err)
		if t.lastProcessed != nil && *t.lastProcessed == value {
			t.lastProcessed = nil
		}
	}
	if p := t.pending; p != nil {
		t.pending = nil
		t.handoff(ctx, *p)
	}
	if t.deferred && !t.inFlight {
		t.deferred = false
		t.evaluateFallback(ctx)
	}
}

var stateNames = []string{session.Idle.String(), session.Active.String(), session.Closing.String()}

func (t *Tracker) transition(from, to session.State) {
	metrics.RecordStateTransition(from.String(), to.String())
	metrics.SetCurrentState(to.String(), stateNames...)
}

func (t *Tracker) status() Status {
	c := t.sess.Clone()
	s := Status{
		State:           c.State.String(),
		Path:            c.Path.String(),
		SessionID:       c.ID,
		AttemptCount:    c.AttemptCount,
		Readings:        c.Readings,
		Resolved:        c.Resolved,
		Confirmed:       c.Confirmed,
		HandoffInFlight: t.inFlight,
	}
	if t.lastProcessed != nil {
		v := *t.lastProcessed
		s.LastProcessed = &v
	}
	if !t.lastClose.IsZero() {
		lc := t.lastClose
		s.LastClosedAt = &lc
	}
	return s
}
