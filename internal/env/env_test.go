package env

import (
	"strings"
	"testing"
)

func TestExpand(t *testing.T) {
	v := Vars{"PGPASS": "s3cret", "HOST": "db"}
	cases := map[string]string{
		"postgres://app:${PGPASS}@${HOST}/credits": "postgres://app:s3cret@db/credits",
		"no refs":        "no refs",
		"${MISSING}/x":   "${MISSING}/x",
		"open ${HOST":    "open ${HOST",
		"${HOST}${HOST}": "dbdb",
		"$HOST":          "$HOST",
	}
	for in, want := range cases {
		if got := v.Expand(in); got != want {
			t.Fatalf("Expand(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWithAndExpandAll(t *testing.T) {
	base := Vars{"A": "1"}
	v := base.With("A=2", "B=3", "=skip", "noequals")
	if v["A"] != "2" || v["B"] != "3" || len(v) != 2 {
		t.Fatalf("With = %v", v)
	}
	if base["A"] != "1" {
		t.Fatal("With modified the receiver")
	}
	ss := []string{"${A}", "${B}-${A}"}
	v.ExpandAll(ss)
	if ss[0] != "2" || ss[1] != "3-2" {
		t.Fatalf("ExpandAll = %v", ss)
	}
}

func TestFromOS(t *testing.T) {
	t.Setenv("CREDITWATCH_ENV_TEST", "present")
	if FromOS()["CREDITWATCH_ENV_TEST"] != "present" {
		t.Fatal("variable missing from FromOS")
	}
}

// FuzzExpand checks that expansion never panics and that text without
// references passes through unchanged.
func FuzzExpand(f *testing.F) {
	f.Add("a=${A}", "A=1")
	f.Add("${", "X=${X}")
	f.Add("${}}", "=")
	f.Fuzz(func(t *testing.T, s, pair string) {
		v := Vars{}.With(pair)
		got := v.Expand(s)
		if !strings.Contains(s, "${") && got != s {
			t.Fatalf("changed text without references: %q -> %q", s, got)
		}
	})
}
