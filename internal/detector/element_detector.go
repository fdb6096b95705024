package detector

import "github.com/loykin/creditwatch/internal/document"

// ElementDetector reports a visible element matching Selector. It backs the
// fallback path, which watches the value element itself.
type ElementDetector struct{ Selector string }

func (d ElementDetector) Present(doc document.Document) (bool, error) {
	if doc == nil {
		return false, nil
	}
	if err := validate(doc, d.Selector); err != nil {
		return false, err
	}
	for _, e := range doc.QueryAll(d.Selector) {
		if e.Visible() {
			return true, nil
		}
	}
	return false, nil
}

func (d ElementDetector) Describe() string { return "element:" + d.Selector }
