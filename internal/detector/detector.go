// Package detector decides whether the value element is on screen.
package detector

import (
	"fmt"

	"github.com/loykin/creditwatch/internal/document"
)

// Detector is a strategy that determines if the value element is showing.
// Implementations may check a single element or a surrounding popover.
// It must be safe for concurrent use.
type Detector interface {
	// Present returns true if the element is detected in doc.
	Present(doc document.Document) (bool, error)
	// Describe returns a human-readable description of the detection method.
	Describe() string
}

// validate reports a selector that can never match.
func validate(doc document.Document, selector string) error {
	if err := doc.Validate(selector); err != nil {
		return fmt.Errorf("detector selector %q: %w", selector, err)
	}
	return nil
}
