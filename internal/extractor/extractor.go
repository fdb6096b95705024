// Package extractor reads a count out of a document snapshot by trying an
// ordered list of strategies.
package extractor

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/creditwatch/internal/document"
)

var (
	// ErrNoValue is matched by every error Extract returns.
	ErrNoValue    = errors.New("no value extracted")
	ErrNotFound   = errors.New("element not found")
	ErrNoDigits   = errors.New("no digits in text")
	ErrOutOfRange = errors.New("value out of range")
)

// Strategy is one way of locating and parsing the value. Read returns a
// non-negative count or an error explaining why it cannot produce one.
type Strategy struct {
	ID   int
	Name string
	Read func(document.Document) (int, error)
}

// Candidate is the result of a successful extraction.
type Candidate struct {
	Value        int
	StrategyID   int
	StrategyName string
}

// StrategyError records why a single strategy was disqualified.
type StrategyError struct {
	ID   int
	Name string
	Err  error
}

func (e StrategyError) Error() string {
	return fmt.Sprintf("strategy %d (%s): %v", e.ID, e.Name, e.Err)
}

func (e StrategyError) Unwrap() error { return e.Err }

// AllFailedError is returned when no strategy produced a value.
type AllFailedError struct {
	Causes []StrategyError
}

func (e *AllFailedError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return "all strategies failed: " + strings.Join(parts, "; ")
}

func (e *AllFailedError) Is(target error) bool { return target == ErrNoValue }

// Extractor runs strategies in order and returns the first usable value.
type Extractor struct {
	strategies []Strategy
	log        *slog.Logger
}

func New(strategies []Strategy, log *slog.Logger) *Extractor {
	if log == nil {
		log = slog.Default()
	}
	return &Extractor{strategies: strategies, log: log}
}

// Default builds an Extractor with the structural, broad-text and keyword
// strategies configured by sel.
func Default(sel Selectors, log *slog.Logger) *Extractor {
	return New(DefaultStrategies(sel), log)
}

func (e *Extractor) Strategies() []Strategy { return e.strategies }

// Extract evaluates each strategy against doc. A strategy that errors or
// panics is skipped. Extract never panics.
func (e *Extractor) Extract(doc document.Document) (Candidate, error) {
	if doc == nil {
		return Candidate{}, fmt.Errorf("%w: nil document", ErrNoValue)
	}
	failed := &AllFailedError{}
	for _, s := range e.strategies {
		v, err := run(s, doc)
		if err == nil && (v < 0 || v > MaxCount) {
			err = ErrOutOfRange
		}
		if err != nil {
			e.log.Debug("strategy failed", "strategy", s.ID, "name", s.Name, "error", err)
			failed.Causes = append(failed.Causes, StrategyError{ID: s.ID, Name: s.Name, Err: err})
			continue
		}
		e.log.Debug("strategy succeeded", "strategy", s.ID, "name", s.Name, "value", v)
		return Candidate{Value: v, StrategyID: s.ID, StrategyName: s.Name}, nil
	}
	return Candidate{}, failed
}

func run(s Strategy, doc document.Document) (v int, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = 0, fmt.Errorf("panic: %v", r)
		}
	}()
	if s.Read == nil {
		return 0, errors.New("strategy has no reader")
	}
	return s.Read(doc)
}
