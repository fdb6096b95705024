package document

import (
	"errors"
	"testing"
)

const page = `<html><body>
<div class="n-popover n-popover-shared" style="display: block">
  <div class="credit-left-item"><span>Credits</span><span> 1,234 </span></div>
</div>
<div id="remain-box" style="display:none !important"><p class="inner">5</p></div>
<section hidden><b class="x">7</b></section>
<div data-cw-hidden="1"><i class="y">8</i></div>
</body></html>`

func mustParse(t *testing.T, s string) Document {
	t.Helper()
	d, err := ParseString(s, "http://example.test/")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return d
}

func TestQueryAndChildren(t *testing.T) {
	d := mustParse(t, page)
	c, ok := d.Query(".credit-left-item")
	if !ok {
		t.Fatalf("container not found")
	}
	kids := c.Children()
	if len(kids) != 2 {
		t.Fatalf("expected 2 children, got %d", len(kids))
	}
	if got := kids[1].Text(); got != " 1,234 " {
		t.Fatalf("unexpected text %q", got)
	}
	if _, ok := d.Query(".missing"); ok {
		t.Fatalf("expected missing selector to be absent")
	}
	if d.URL() != "http://example.test/" {
		t.Fatalf("url mismatch: %q", d.URL())
	}
}

func TestVisibility(t *testing.T) {
	d := mustParse(t, page)
	cases := map[string]bool{
		".credit-left-item": true,
		".inner":            false,
		".x":                false,
		".y":                false,
	}
	for sel, want := range cases {
		e, ok := d.Query(sel)
		if !ok {
			t.Fatalf("%s not found", sel)
		}
		if got := e.Visible(); got != want {
			t.Fatalf("%s visible=%v want %v", sel, got, want)
		}
	}
}

func TestInvalidSelector(t *testing.T) {
	d := mustParse(t, page)
	if _, ok := d.Query("[[["); ok {
		t.Fatalf("invalid selector should not match")
	}
	if all := d.QueryAll("[[["); len(all) != 0 {
		t.Fatalf("invalid selector should yield nothing")
	}
	if err := d.Validate("[[["); !errors.Is(err, ErrInvalidSelector) {
		t.Fatalf("expected ErrInvalidSelector, got %v", err)
	}
}

func TestAttributesAndOuterHTML(t *testing.T) {
	d := mustParse(t, page)
	e, _ := d.Query("#remain-box")
	if e.ID() != "remain-box" {
		t.Fatalf("id mismatch: %q", e.ID())
	}
	if _, ok := e.Attr("style"); !ok {
		t.Fatalf("style attr missing")
	}
	c, _ := d.Query(".n-popover")
	if got := c.Classes(); len(got) != 2 || got[1] != "n-popover-shared" {
		t.Fatalf("classes mismatch: %v", got)
	}
	if html := c.OuterHTML(); len(html) == 0 || html[:4] != "<div" {
		t.Fatalf("unexpected outer html %q", html)
	}
}
