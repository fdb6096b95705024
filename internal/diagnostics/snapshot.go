package diagnostics

import (
	"time"
	"unicode/utf8"

	"github.com/loykin/creditwatch/internal/document"
)

const (
	maxHTML    = 2000
	maxClasses = 20
)

// Probe names a selector whose presence is recorded in a failure snapshot.
type Probe struct {
	Name     string `mapstructure:"name"`
	Selector string `mapstructure:"selector"`
}

// FailureRecord captures the page state when extraction failed.
type FailureRecord struct {
	Time          time.Time       `json:"time"`
	Reason        string          `json:"reason"`
	SessionID     string          `json:"session_id,omitempty"`
	URL           string          `json:"url"`
	Selectors     map[string]bool `json:"selectors"`
	ContainerHTML string          `json:"containerHTML"`
	Classes       []string        `json:"allClasses"`
	Values        []int           `json:"values,omitempty"`
}

// SnapshotConfig selects what a failure snapshot records.
type SnapshotConfig struct {
	Probes    []Probe
	Container string
	// ClassQuery selects elements whose class names are listed.
	ClassQuery string
}

func DefaultSnapshotConfig() SnapshotConfig {
	return SnapshotConfig{
		Probes: []Probe{
			{Name: "credit-left-item", Selector: ".credit-left-item"},
			{Name: "credit-left", Selector: ".item.credit-left"},
			{Name: "n-popover", Selector: ".n-popover.n-popover-shared"},
		},
		Container:  ".credit-left-item",
		ClassQuery: `[class*="credit"], [class*="balance"]`,
	}
}

// Snapshot builds a FailureRecord from doc. A nil doc yields a record with
// only the reason and time set.
func Snapshot(doc document.Document, cfg SnapshotConfig, reason string, now time.Time) FailureRecord {
	r := FailureRecord{Time: now, Reason: reason, Selectors: map[string]bool{}, ContainerHTML: "NOT FOUND"}
	if doc == nil {
		return r
	}
	r.URL = doc.URL()
	for _, p := range cfg.Probes {
		_, ok := doc.Query(p.Selector)
		r.Selectors[p.Name] = ok
	}
	if c, ok := doc.Query(cfg.Container); ok {
		r.ContainerHTML = truncate(c.OuterHTML(), maxHTML)
	}
	if cfg.ClassQuery != "" {
		for _, e := range doc.QueryAll(cfg.ClassQuery) {
			if len(r.Classes) == maxClasses {
				break
			}
			r.Classes = append(r.Classes, e.ClassName())
		}
	}
	return r
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
