package extractor

import (
	"fmt"
	"strings"

	"github.com/loykin/creditwatch/internal/document"
)

// Selectors locates the value inside the page.
type Selectors struct {
	Container      string   `mapstructure:"container"`
	ValueChild     int      `mapstructure:"value_child"`
	ValueFallback  string   `mapstructure:"value_fallback"`
	Keywords       []string `mapstructure:"keywords"`
	KeywordCeiling int      `mapstructure:"keyword_ceiling"`
}

func DefaultSelectors() Selectors {
	return Selectors{
		Container:      ".credit-left-item",
		ValueChild:     1,
		ValueFallback:  "span:last-child",
		Keywords:       []string{"credit", "balance", "remain"},
		KeywordCeiling: 1_000_000,
	}
}

// DefaultStrategies returns, in priority order: the structural reader, the
// broad container-text reader and the keyword-scoped reader.
func DefaultStrategies(sel Selectors) []Strategy {
	return []Strategy{
		{ID: 1, Name: "structural", Read: Structural(sel)},
		{ID: 2, Name: "container-text", Read: ContainerText(sel)},
		{ID: 3, Name: "keyword", Read: Keyword(sel)},
	}
}

// Structural reads the designated value child of the container, falling
// back to ValueFallback when the child is missing.
func Structural(sel Selectors) func(document.Document) (int, error) {
	return func(doc document.Document) (int, error) {
		c, ok := doc.Query(sel.Container)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, sel.Container)
		}
		var target document.Element
		if kids := c.Children(); sel.ValueChild >= 0 && sel.ValueChild < len(kids) {
			target = kids[sel.ValueChild]
		} else if sel.ValueFallback != "" {
			target, _ = c.Query(sel.ValueFallback)
		}
		if target == nil {
			return 0, fmt.Errorf("%w: value child of %s", ErrNotFound, sel.Container)
		}
		v, ok := ParseCount(target.Text())
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrNoDigits, target.Text())
		}
		return v, nil
	}
}

// ContainerText takes the largest digit run anywhere in the container text.
func ContainerText(sel Selectors) func(document.Document) (int, error) {
	return func(doc document.Document) (int, error) {
		c, ok := doc.Query(sel.Container)
		if !ok {
			return 0, fmt.Errorf("%w: %s", ErrNotFound, sel.Container)
		}
		nums := allCounts(c.Text())
		if len(nums) == 0 {
			return 0, fmt.Errorf("%w: %q", ErrNoDigits, c.Text())
		}
		best := nums[0]
		for _, n := range nums[1:] {
			if n > best {
				best = n
			}
		}
		if best > MaxCount {
			return 0, fmt.Errorf("%w: %d", ErrOutOfRange, best)
		}
		return best, nil
	}
}

// Keyword scans elements whose class or id contains one of the keywords and
// returns the first parse below KeywordCeiling.
func Keyword(sel Selectors) func(document.Document) (int, error) {
	parts := make([]string, 0, 2*len(sel.Keywords))
	for _, kw := range sel.Keywords {
		parts = append(parts, fmt.Sprintf(`[class*=%q]`, kw), fmt.Sprintf(`[id*=%q]`, kw))
	}
	query := strings.Join(parts, ", ")
	return func(doc document.Document) (int, error) {
		if query == "" {
			return 0, fmt.Errorf("%w: no keywords configured", ErrNotFound)
		}
		found := doc.QueryAll(query)
		if len(found) == 0 {
			return 0, fmt.Errorf("%w: keyword elements", ErrNotFound)
		}
		for _, e := range found {
			v, ok := ParseCount(e.Text())
			if ok && v < sel.KeywordCeiling {
				return v, nil
			}
		}
		return 0, fmt.Errorf("%w: no keyword element below %d", ErrOutOfRange, sel.KeywordCeiling)
	}
}
