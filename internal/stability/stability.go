// Package stability decides when a sequence of noisy readings has settled.
package stability

// Rule identifies which decision produced a verdict.
type Rule int

const (
	RuleNone Rule = iota
	RuleQuickConfirm
	RuleNonZeroRepeat
	RuleNonZeroLatest
	RuleZeroMajority
	RuleMostFrequent
)

func (r Rule) String() string {
	switch r {
	case RuleQuickConfirm:
		return "quick_confirm"
	case RuleNonZeroRepeat:
		return "non_zero_repeat"
	case RuleNonZeroLatest:
		return "non_zero_latest"
	case RuleZeroMajority:
		return "zero_majority"
	case RuleMostFrequent:
		return "most_frequent"
	default:
		return "none"
	}
}

// Policy holds the thresholds used by Confirm.
type Policy struct {
	MaxAttempts       int `mapstructure:"max_attempts"`
	QuickConfirmCount int `mapstructure:"quick_confirm_count"`
	ZeroConfirmCount  int `mapstructure:"zero_confirm_count"`
}

func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 8, QuickConfirmCount: 2, ZeroConfirmCount: 4}
}

func (p Policy) withDefaults() Policy {
	d := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = d.MaxAttempts
	}
	if p.QuickConfirmCount <= 0 {
		p.QuickConfirmCount = d.QuickConfirmCount
	}
	if p.ZeroConfirmCount <= 0 {
		p.ZeroConfirmCount = d.ZeroConfirmCount
	}
	return p
}

// Verdict is the result of Confirm. Value is meaningful only when OK.
type Verdict struct {
	Value int
	Rule  Rule
	OK    bool
}

// Confirm applies the decision rules in order to readings (oldest first)
// after attemptCount attempts. The first rule that matches wins:
//
//  1. the last QuickConfirmCount readings are equal and positive;
//  2. among non-zero readings, the last QuickConfirmCount are equal, or attempts are
//     exhausted and the most recent non-zero is taken;
//  3. once attempts are exhausted with no non-zero reading, ZeroConfirmCount
//     zeros confirm zero, otherwise the most frequent value seen at least
//     twice is taken, ties going to the most recently observed value.
//
// Confirm is pure.
func Confirm(readings []int, attemptCount int, p Policy) Verdict {
	p = p.withDefaults()
	if len(readings) == 0 {
		return Verdict{}
	}

	if v, ok := lastNEqual(readings, p.QuickConfirmCount); ok && v > 0 {
		return Verdict{Value: v, Rule: RuleQuickConfirm, OK: true}
	}

	exhausted := attemptCount >= p.MaxAttempts

	nonZero := make([]int, 0, len(readings))
	for _, r := range readings {
		if r != 0 {
			nonZero = append(nonZero, r)
		}
	}
	if len(nonZero) > 0 {
		if v, ok := lastNEqual(nonZero, p.QuickConfirmCount); ok {
			return Verdict{Value: v, Rule: RuleNonZeroRepeat, OK: true}
		}
		if exhausted {
			return Verdict{Value: nonZero[len(nonZero)-1], Rule: RuleNonZeroLatest, OK: true}
		}
		return Verdict{}
	}

	if !exhausted {
		return Verdict{}
	}
	if zeros := len(readings); zeros >= p.ZeroConfirmCount {
		// every reading is zero here
		return Verdict{Value: 0, Rule: RuleZeroMajority, OK: true}
	}
	if v, n := mostFrequent(readings); n >= 2 {
		return Verdict{Value: v, Rule: RuleMostFrequent, OK: true}
	}
	return Verdict{}
}

func lastNEqual(xs []int, n int) (int, bool) {
	if n <= 0 || len(xs) < n {
		return 0, false
	}
	tail := xs[len(xs)-n:]
	for _, x := range tail[1:] {
		if x != tail[0] {
			return 0, false
		}
	}
	return tail[0], true
}

// mostFrequent returns the value with the highest count. Ties go to the
// value whose latest occurrence is most recent.
func mostFrequent(xs []int) (int, int) {
	counts := make(map[int]int, len(xs))
	last := make(map[int]int, len(xs))
	for i, x := range xs {
		counts[x]++
		last[x] = i
	}
	best, bestN, bestAt := 0, 0, -1
	for v, n := range counts {
		if n > bestN || (n == bestN && last[v] > bestAt) {
			best, bestN, bestAt = v, n, last[v]
		}
	}
	return best, bestN
}
