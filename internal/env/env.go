// Package env expands ${VAR} references in configuration strings, so DSNs
// can carry credentials without writing them into the config file.
package env

import (
	"os"
	"strings"
)

type Vars map[string]string

// FromOS returns the process environment.
func FromOS() Vars {
	m := make(Vars)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// With returns a copy of v with the "K=V" pairs applied on top.
func (v Vars) With(pairs ...string) Vars {
	out := make(Vars, len(v)+len(pairs))
	for k, val := range v {
		out[k] = val
	}
	for _, kv := range pairs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

// Expand replaces ${NAME} with its value. Unknown names and unterminated
// references are left as written. Expansion is single pass.
func (v Vars) Expand(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			b.WriteString(s)
			return b.String()
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			b.WriteString(s)
			return b.String()
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if val, ok := v[name]; ok {
			b.WriteString(val)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
}

// ExpandAll expands every element in place.
func (v Vars) ExpandAll(ss []string) {
	for i := range ss {
		ss[i] = v.Expand(ss[i])
	}
}
