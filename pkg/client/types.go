package client

import "time"

// Status is the tracker state served by /status.
type Status struct {
	State           string          `json:"state"`
	Path            string          `json:"path"`
	SessionID       string          `json:"session_id,omitempty"`
	AttemptCount    int             `json:"attempts"`
	Readings        []Reading       `json:"readings,omitempty"`
	Resolved        bool            `json:"resolved"`
	Confirmed       *ConfirmedValue `json:"confirmed,omitempty"`
	HandoffInFlight bool            `json:"handoff_in_flight"`
	LastProcessed   *int            `json:"last_processed,omitempty"`
	LastClosedAt    *time.Time      `json:"last_closed_at,omitempty"`
}

// Reading is one successful extraction.
type Reading struct {
	Value        int       `json:"value"`
	StrategyID   int       `json:"strategy"`
	AttemptIndex int       `json:"attempt"`
	Timestamp    time.Time `json:"time"`
}

// ConfirmedValue is a value accepted by the stability rules.
type ConfirmedValue struct {
	Value       int       `json:"value"`
	Strategy    int       `json:"strategy"`
	Attempts    int       `json:"attempts"`
	Rule        string    `json:"rule"`
	SessionID   string    `json:"session_id"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Entry is one stored count.
type Entry struct {
	Time  time.Time `json:"time"`
	Count int       `json:"count"`
}

// Report is the pace report for the current billing cycle.
type Report struct {
	Current         int             `json:"current"`
	PlanStart       time.Time       `json:"planStart"`
	NextRenewal     time.Time       `json:"nextRenewal"`
	DaysElapsed     int             `json:"daysElapsed"`
	DaysLeft        int             `json:"daysLeft"`
	TotalStart      int             `json:"totalStart"`
	ActualPace      float64         `json:"actualPace"`
	TargetPace      float64         `json:"targetPace"`
	PercentDiff     float64         `json:"percentDiff"`
	Status          string          `json:"status"`
	StatusText      string          `json:"statusText"`
	DaysAheadBehind float64         `json:"daysAheadBehind"`
	DailyStart      *int            `json:"dailyStart,omitempty"`
	ConsumedToday   *int            `json:"consumedToday,omitempty"`
	SinceLastCheck  *int            `json:"sinceLastCheck,omitempty"`
	DailyLimit      *int            `json:"dailyLimit,omitempty"`
	RemainingToday  *int            `json:"remainingToday,omitempty"`
	Display         map[string]bool `json:"display,omitempty"`
}

// Diagnostics holds strategy statistics and recent failures.
type Diagnostics struct {
	StrategyStats struct {
		Counts      map[string]int `json:"counts"`
		LastSuccess *SuccessEntry  `json:"lastSuccess,omitempty"`
	} `json:"strategyStats"`
	SuccessHistory []SuccessEntry   `json:"successHistory"`
	FailureLogs    []map[string]any `json:"failureLogs"`
}

type SuccessEntry struct {
	Strategy int       `json:"strategy"`
	Time     time.Time `json:"time"`
	Value    int       `json:"value"`
}

// Settings are the plan and display settings in effect.
type Settings struct {
	Plan struct {
		RenewalDay        int  `json:"renewalDay"`
		PlanStartCredit   int  `json:"planStartCredit"`
		PurchasedCredits  int  `json:"purchasedCredits"`
		FixedLimitEnabled bool `json:"fixedLimitEnabled"`
		FixedLimitValue   int  `json:"fixedLimitValue"`
	} `json:"plan"`
	Display map[string]bool `json:"display"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
