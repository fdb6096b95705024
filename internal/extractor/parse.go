package extractor

import (
	"regexp"
	"strconv"
)

// MaxCount is the largest value ParseCount accepts.
const MaxCount = 10_000_000

var (
	separators = regexp.MustCompile(`[,\s]`)
	digitRun   = regexp.MustCompile(`\d+`)
)

// ParseCount normalizes rendered text into a count. Thousands separators
// and whitespace are removed, then the first run of digits is taken.
// Text without digits, overflowing values and values above MaxCount are
// rejected.
func ParseCount(text string) (int, bool) {
	cleaned := separators.ReplaceAllString(text, "")
	m := digitRun.FindString(cleaned)
	if m == "" {
		return 0, false
	}
	v, err := strconv.Atoi(m)
	if err != nil || v < 0 || v > MaxCount {
		return 0, false
	}
	return v, true
}

// allCounts returns every digit run in text, in order. Runs that do not fit
// an int are skipped.
func allCounts(text string) []int {
	runs := digitRun.FindAllString(text, -1)
	out := make([]int, 0, len(runs))
	for _, r := range runs {
		v, err := strconv.Atoi(r)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
