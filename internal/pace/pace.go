// Package pace turns stored counts into consumption figures for the
// current billing cycle.
package pace

import (
	"fmt"
	"math"
	"time"

	"github.com/loykin/creditwatch/internal/ledger"
)

const day = 24 * time.Hour

// Plan describes the billing cycle.
type Plan struct {
	RenewalDay        int  `mapstructure:"renewal_day" json:"renewalDay"`
	PlanStartCredit   int  `mapstructure:"plan_start_credit" json:"planStartCredit"`
	PurchasedCredits  int  `mapstructure:"purchased_credits" json:"purchasedCredits"`
	FixedLimitEnabled bool `mapstructure:"fixed_limit_enabled" json:"fixedLimitEnabled"`
	FixedLimitValue   int  `mapstructure:"fixed_limit_value" json:"fixedLimitValue"`
}

// Status buckets the difference between actual and target pace.
type Status string

const (
	StatusNA           Status = "N/A"
	StatusExcellent    Status = "Excellent"
	StatusOnTrack      Status = "On Track"
	StatusSlightlyOver Status = "Slightly Over"
	StatusOverTarget   Status = "Over Target"
)

// Report is what the report command and endpoint render.
type Report struct {
	Current         int       `json:"current"`
	PlanStart       time.Time `json:"planStart"`
	NextRenewal     time.Time `json:"nextRenewal"`
	DaysElapsed     int       `json:"daysElapsed"`
	DaysLeft        int       `json:"daysLeft"`
	TotalStart      int       `json:"totalStart"`
	ActualPace      float64   `json:"actualPace"`
	TargetPace      float64   `json:"targetPace"`
	PercentDiff     float64   `json:"percentDiff"`
	Status          Status    `json:"status"`
	StatusText      string    `json:"statusText"`
	DaysAheadBehind float64   `json:"daysAheadBehind"`
	DailyStart      *int      `json:"dailyStart,omitempty"`
	ConsumedToday   *int      `json:"consumedToday,omitempty"`
	SinceLastCheck  *int      `json:"sinceLastCheck,omitempty"`
	DailyLimit      *int      `json:"dailyLimit,omitempty"`
	RemainingToday  *int      `json:"remainingToday,omitempty"`
}

func clampDay(t time.Time, renewalDay int) int {
	if renewalDay < 1 {
		return 1
	}
	last := time.Date(t.Year(), t.Month()+1, 0, 0, 0, 0, 0, t.Location()).Day()
	if renewalDay > last {
		return last
	}
	return renewalDay
}

// PlanStart is the renewal day of this month, or of last month when today
// is before the renewal day. Renewal days past the end of a month fall on
// its last day.
func PlanStart(now time.Time, renewalDay int) time.Time {
	start := time.Date(now.Year(), now.Month(), clampDay(now, renewalDay), 0, 0, 0, 0, now.Location())
	if now.Day() < clampDay(now, renewalDay) {
		prev := time.Date(now.Year(), now.Month()-1, 1, 0, 0, 0, 0, now.Location())
		start = time.Date(prev.Year(), prev.Month(), clampDay(prev, renewalDay), 0, 0, 0, 0, now.Location())
	}
	return start
}

// NextRenewal is the first renewal strictly after PlanStart.
func NextRenewal(now time.Time, renewalDay int) time.Time {
	next := time.Date(now.Year(), now.Month(), clampDay(now, renewalDay), 0, 0, 0, 0, now.Location())
	if now.Day() >= clampDay(now, renewalDay) {
		m := time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, now.Location())
		next = time.Date(m.Year(), m.Month(), clampDay(m, renewalDay), 0, 0, 0, 0, now.Location())
	}
	return next
}

func ceilDays(d time.Duration) int {
	return int(math.Ceil(float64(d) / float64(day)))
}

// DaysElapsed counts started days since planStart, at least one.
func DaysElapsed(now, planStart time.Time) int {
	return max(1, ceilDays(now.Sub(planStart)))
}

// DaysLeft counts days until the next renewal, at least one.
func DaysLeft(now time.Time, renewalDay int) int {
	return max(1, ceilDays(NextRenewal(now, renewalDay).Sub(now)))
}

func round1(f float64) float64 { return math.Round(f*10) / 10 }

// ActualPace is credits consumed per elapsed day.
func ActualPace(totalStart, current, daysElapsed int) float64 {
	if daysElapsed <= 0 {
		return 0
	}
	return round1(float64(totalStart-current) / float64(daysElapsed))
}

// TargetPace spreads the plan credit over the cycle length.
func TargetPace(now time.Time, planStartCredit, renewalDay int) float64 {
	total := ceilDays(NextRenewal(now, renewalDay).Sub(PlanStart(now, renewalDay)))
	if total <= 0 {
		return 0
	}
	return round1(float64(planStartCredit) / float64(total))
}

// Classify buckets actual against target.
func Classify(actual, target float64) (Status, float64, string) {
	if target == 0 {
		return StatusNA, 0, string(StatusNA)
	}
	pct := (actual - target) / target * 100
	switch {
	case pct < -10:
		return StatusExcellent, pct, fmt.Sprintf("Excellent (Saving %d%%)", int(math.Abs(math.Round(pct))))
	case pct < 10:
		return StatusOnTrack, pct, string(StatusOnTrack)
	case pct < 30:
		return StatusSlightlyOver, pct, fmt.Sprintf("Slightly Over (+%d%%)", int(math.Round(pct)))
	default:
		return StatusOverTarget, pct, fmt.Sprintf("Over Target (+%d%%)", int(math.Round(pct)))
	}
}

// DaysAheadBehind is positive when the balance is above the ideal line.
func DaysAheadBehind(current, totalStart int, target float64, daysElapsed int) float64 {
	if target == 0 {
		return 0
	}
	ideal := float64(totalStart) - target*float64(daysElapsed)
	return (float64(current) - ideal) / target
}

// Build computes a Report for current at now. history is newest first and
// may be empty; previous may be nil.
func Build(now time.Time, plan Plan, current int, history []ledger.Entry, previous *int) Report {
	start := PlanStart(now, plan.RenewalDay)
	elapsed := DaysElapsed(now, start)
	totalStart := plan.PlanStartCredit + plan.PurchasedCredits
	target := TargetPace(now, plan.PlanStartCredit, plan.RenewalDay)
	actual := ActualPace(totalStart, current, elapsed)
	status, pct, text := Classify(actual, target)

	r := Report{
		Current:         current,
		PlanStart:       start,
		NextRenewal:     NextRenewal(now, plan.RenewalDay),
		DaysElapsed:     elapsed,
		DaysLeft:        DaysLeft(now, plan.RenewalDay),
		TotalStart:      totalStart,
		ActualPace:      actual,
		TargetPace:      target,
		PercentDiff:     pct,
		Status:          status,
		StatusText:      text,
		DaysAheadBehind: DaysAheadBehind(current, totalStart, target, elapsed),
	}

	if len(history) > 0 && sameDay(history[0].Time, now) {
		ds := history[0].Count
		consumed := ds - current
		r.DailyStart = &ds
		r.ConsumedToday = &consumed
	}
	if previous != nil && *previous-current >= 0 {
		d := *previous - current
		r.SinceLastCheck = &d
	}
	if plan.FixedLimitEnabled && plan.FixedLimitValue > 0 {
		limit := plan.FixedLimitValue
		r.DailyLimit = &limit
		used := 0
		if r.ConsumedToday != nil {
			used = *r.ConsumedToday
		}
		rem := limit - used
		r.RemainingToday = &rem
	}
	return r
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(b.Location()).Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
