// Package history exports finished session outcomes to external systems.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/failsafe-go/failsafe-go/circuitbreaker"

	"github.com/loykin/creditwatch/internal/metrics"
)

// EventType is how a session ended.
type EventType string

const (
	EventConfirmed EventType = "confirmed"
	EventExhausted EventType = "exhausted"
	EventAbandoned EventType = "abandoned"
)

// Event is one finished detection session.
type Event struct {
	Type       EventType     `json:"type"`
	OccurredAt time.Time     `json:"occurred_at"`
	SessionID  string        `json:"session_id"`
	Path       string        `json:"path"`
	Value      *int          `json:"value,omitempty"`
	Rule       string        `json:"rule,omitempty"`
	Strategy   int           `json:"strategy,omitempty"`
	Attempts   int           `json:"attempts"`
	Duration   time.Duration `json:"duration"`
	Values     []int         `json:"values"`
}

// Sink is a destination for history events.
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Closer is implemented by sinks holding connections.
type Closer interface {
	Close() error
}

// Multi sends every event to all of its sinks and joins their errors.
type Multi []Sink

func (m Multi) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}

// BreakerConfig tunes the circuit breaker in front of a sink.
type BreakerConfig struct {
	FailureRate      float64
	MinExecutions    uint
	Period           time.Duration
	Delay            time.Duration
	SuccessThreshold uint
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureRate:      0.6,
		MinExecutions:    5,
		Period:           10 * time.Second,
		Delay:            30 * time.Second,
		SuccessThreshold: 1,
	}
}

// BreakerSink stops calling a failing sink until it has had time to recover.
// Events sent while the breaker is open are dropped with ErrOpen.
type BreakerSink struct {
	name  string
	inner Sink
	cb    circuitbreaker.CircuitBreaker[any]
}

// ErrOpen is returned for events dropped by an open breaker.
var ErrOpen = circuitbreaker.ErrOpen

func NewBreakerSink(name string, inner Sink, cfg BreakerConfig, log *slog.Logger) *BreakerSink {
	if log == nil {
		log = slog.Default()
	}
	def := DefaultBreakerConfig()
	if cfg.FailureRate <= 0 || cfg.FailureRate > 1 {
		cfg.FailureRate = def.FailureRate
	}
	if cfg.MinExecutions == 0 {
		cfg.MinExecutions = def.MinExecutions
	}
	if cfg.Period <= 0 {
		cfg.Period = def.Period
	}
	if cfg.Delay <= 0 {
		cfg.Delay = def.Delay
	}
	if cfg.SuccessThreshold == 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	cb := circuitbreaker.NewBuilder[any]().
		WithFailureRateThreshold(cfg.FailureRate, cfg.MinExecutions, cfg.Period).
		WithDelay(cfg.Delay).
		WithSuccessThreshold(cfg.SuccessThreshold).
		OnStateChanged(func(e circuitbreaker.StateChangedEvent) {
			log.Warn("history sink breaker state changed", "sink", name, "from", e.OldState.String(), "to", e.NewState.String())
		}).
		Build()
	return &BreakerSink{name: name, inner: inner, cb: cb}
}

func (b *BreakerSink) Send(ctx context.Context, e Event) error {
	if !b.cb.TryAcquirePermit() {
		metrics.IncSinkError(b.name)
		return fmt.Errorf("history sink %s: %w", b.name, ErrOpen)
	}
	if err := b.inner.Send(ctx, e); err != nil {
		b.cb.RecordError(err)
		metrics.IncSinkError(b.name)
		return fmt.Errorf("history sink %s: %w", b.name, err)
	}
	b.cb.RecordSuccess()
	return nil
}

// State reports the breaker state: closed, half-open or open.
func (b *BreakerSink) State() string { return b.cb.State().String() }

func (b *BreakerSink) Close() error {
	if c, ok := b.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}
