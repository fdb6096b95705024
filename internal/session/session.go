// Package session holds the state of one appearance of the value element.
package session

import (
	"time"

	"github.com/google/uuid"
	"github.com/loykin/creditwatch/internal/stability"
)

// State is the lifecycle state of a Session.
type State int32

const (
	Idle State = iota
	Active
	Closing
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Active:
		return "active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Path names the detector that opened a session.
type Path int

const (
	PathNone Path = iota
	PathPrimary
	PathFallback
)

func (p Path) String() string {
	switch p {
	case PathPrimary:
		return "primary"
	case PathFallback:
		return "fallback"
	default:
		return "none"
	}
}

// Reading is one successful extraction. Readings are immutable.
type Reading struct {
	Value        int       `json:"value"`
	StrategyID   int       `json:"strategy"`
	AttemptIndex int       `json:"attempt"`
	Timestamp    time.Time `json:"time"`
}

// ConfirmedValue is the single trusted output of a session.
type ConfirmedValue struct {
	Value                int            `json:"value"`
	SupportingStrategyID int            `json:"strategy"`
	AttemptsUsed         int            `json:"attempts"`
	Rule                 stability.Rule `json:"-"`
	RuleName             string         `json:"rule"`
	SessionID            string         `json:"session_id"`
	ConfirmedAt          time.Time      `json:"confirmed_at"`
}

// Session is owned by a single goroutine and is not safe for concurrent use.
// Status snapshots are taken with Clone.
type Session struct {
	ID            string
	State         State
	Path          Path
	Readings      []Reading
	AttemptCount  int
	StartedAt     time.Time
	LastAttemptAt time.Time
	Resolved      bool
	Confirmed     *ConfirmedValue
}

// Begin resets s for a fresh appearance opened by path at now.
func (s *Session) Begin(path Path, now time.Time) {
	*s = Session{
		ID:        uuid.NewString(),
		State:     Active,
		Path:      path,
		StartedAt: now,
	}
}

// Reset returns s to Idle and drops all readings.
func (s *Session) Reset() {
	*s = Session{State: Idle}
}

// Append records a reading. Closing or idle sessions reject new readings.
func (s *Session) Append(r Reading) bool {
	if s.State != Active {
		return false
	}
	s.Readings = append(s.Readings, r)
	return true
}

// Values returns the reading values oldest first.
func (s *Session) Values() []int {
	out := make([]int, len(s.Readings))
	for i, r := range s.Readings {
		out[i] = r.Value
	}
	return out
}

// SupportingStrategy returns the strategy of the most recent reading that
// holds value, or 0 when none does.
func (s *Session) SupportingStrategy(value int) int {
	for i := len(s.Readings) - 1; i >= 0; i-- {
		if s.Readings[i].Value == value {
			return s.Readings[i].StrategyID
		}
	}
	return 0
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *Session) Clone() Session {
	c := *s
	c.Readings = append([]Reading(nil), s.Readings...)
	if s.Confirmed != nil {
		cv := *s.Confirmed
		c.Confirmed = &cv
	}
	return c
}
