package detector

import "github.com/loykin/creditwatch/internal/document"

// PopoverDetector reports a visible popover matching Selector that contains
// an element matching Marker. A visible popover without the marker belongs to
// some other widget and is ignored.
type PopoverDetector struct {
	Selector string
	Marker   string
}

func (d PopoverDetector) Present(doc document.Document) (bool, error) {
	if doc == nil {
		return false, nil
	}
	if err := validate(doc, d.Selector); err != nil {
		return false, err
	}
	if err := validate(doc, d.Marker); err != nil {
		return false, err
	}
	for _, p := range doc.QueryAll(d.Selector) {
		if !p.Visible() {
			continue
		}
		if _, ok := p.Query(d.Marker); ok {
			return true, nil
		}
	}
	return false, nil
}

// Visible reports whether any popover matching Selector is visible,
// regardless of what it contains.
func (d PopoverDetector) Visible(doc document.Document) bool {
	if doc == nil {
		return false
	}
	for _, p := range doc.QueryAll(d.Selector) {
		if p.Visible() {
			return true
		}
	}
	return false
}

func (d PopoverDetector) Describe() string { return "popover:" + d.Selector + " > " + d.Marker }
