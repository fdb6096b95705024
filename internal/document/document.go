// Package document provides a read-only view over an HTML snapshot.
// Sources hand a Document to detectors and extraction strategies; nothing
// in this package mutates the underlying tree.
package document

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
)

// HiddenAttr marks an element as not rendered. Browser snapshots set it on
// every element whose computed display is none.
const HiddenAttr = "data-cw-hidden"

var ErrInvalidSelector = errors.New("invalid selector")

// Element is a single node in a snapshot.
type Element interface {
	Text() string
	Children() []Element
	Attr(name string) (string, bool)
	Classes() []string
	ClassName() string
	ID() string
	OuterHTML() string
	Query(selector string) (Element, bool)
	QueryAll(selector string) []Element
	// Visible reports whether the element and all its ancestors are rendered.
	Visible() bool
}

// Document is the root of a snapshot.
type Document interface {
	Query(selector string) (Element, bool)
	QueryAll(selector string) []Element
	// Validate reports whether selector compiles.
	Validate(selector string) error
	URL() string
}

type doc struct {
	root *goquery.Document
	url  string
}

// Parse reads HTML from r.
func Parse(r io.Reader, url string) (Document, error) {
	d, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &doc{root: d, url: url}, nil
}

// ParseString is Parse for an in-memory string.
func ParseString(s, url string) (Document, error) {
	return Parse(strings.NewReader(s), url)
}

func (d *doc) URL() string { return d.url }

func (d *doc) Validate(selector string) error {
	_, err := compile(selector)
	return err
}

func (d *doc) Query(selector string) (Element, bool) {
	return first(d.root.Selection, selector)
}

func (d *doc) QueryAll(selector string) []Element {
	return all(d.root.Selection, selector)
}

var selectorCache sync.Map // string -> cascadia.Selector

func compile(selector string) (cascadia.Selector, error) {
	if m, ok := selectorCache.Load(selector); ok {
		return m.(cascadia.Selector), nil
	}
	m, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidSelector, selector, err)
	}
	selectorCache.Store(selector, m)
	return m, nil
}

func first(s *goquery.Selection, selector string) (Element, bool) {
	m, err := compile(selector)
	if err != nil {
		return nil, false
	}
	found := s.FindMatcher(m).First()
	if found.Length() == 0 {
		return nil, false
	}
	return &element{sel: found}, true
}

func all(s *goquery.Selection, selector string) []Element {
	m, err := compile(selector)
	if err != nil {
		return nil
	}
	found := s.FindMatcher(m)
	out := make([]Element, 0, found.Length())
	found.Each(func(_ int, e *goquery.Selection) {
		out = append(out, &element{sel: e})
	})
	return out
}

type element struct {
	sel *goquery.Selection
}

func (e *element) Text() string { return e.sel.Text() }

func (e *element) Children() []Element {
	kids := e.sel.Children()
	out := make([]Element, 0, kids.Length())
	kids.Each(func(_ int, c *goquery.Selection) {
		out = append(out, &element{sel: c})
	})
	return out
}

func (e *element) Attr(name string) (string, bool) { return e.sel.Attr(name) }

func (e *element) ClassName() string {
	v, _ := e.sel.Attr("class")
	return v
}

func (e *element) Classes() []string { return strings.Fields(e.ClassName()) }

func (e *element) ID() string {
	v, _ := e.sel.Attr("id")
	return v
}

func (e *element) OuterHTML() string {
	s, err := goquery.OuterHtml(e.sel)
	if err != nil {
		return ""
	}
	return s
}

func (e *element) Query(selector string) (Element, bool) { return first(e.sel, selector) }

func (e *element) QueryAll(selector string) []Element { return all(e.sel, selector) }

func (e *element) Visible() bool {
	for n := e.sel.Get(0); n != nil; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		if hiddenNode(n) {
			return false
		}
	}
	return true
}

func hiddenNode(n *html.Node) bool {
	for _, a := range n.Attr {
		switch strings.ToLower(a.Key) {
		case "hidden", HiddenAttr:
			return true
		case "style":
			if displayNone(a.Val) {
				return true
			}
		}
	}
	return false
}

func displayNone(style string) bool {
	for _, decl := range strings.Split(style, ";") {
		k, v, ok := strings.Cut(decl, ":")
		if !ok {
			continue
		}
		if strings.EqualFold(strings.TrimSpace(k), "display") {
			v = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(v), "!important"))
			if strings.EqualFold(v, "none") {
				return true
			}
		}
	}
	return false
}
