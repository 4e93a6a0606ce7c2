// Package filter rewrites inbound end-user text according to per-backend
// substitution tables.
package filter

import (
	"fmt"
	"html"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/msageha/nightline/internal/model"
)

const (
	KindHTMLUnescape = "html_unescape"
	KindRedact       = "redact"
	KindNormalize    = "normalize"
)

type rule struct {
	kind    string
	match   string
	replace string
}

// Table is an ordered list of rules for one backend. The zero value passes
// text through unchanged.
type Table struct {
	rules []rule
}

func NewTable(rules []model.FilterRule) (Table, error) {
	t := Table{rules: make([]rule, 0, len(rules))}
	for i, r := range rules {
		switch r.Kind {
		case KindHTMLUnescape, KindNormalize:
		case KindRedact:
			if r.Match == "" {
				return Table{}, fmt.Errorf("filter rule %d: redact needs a match", i)
			}
		default:
			return Table{}, fmt.Errorf("filter rule %d: unknown kind %q", i, r.Kind)
		}
		t.rules = append(t.rules, rule{kind: r.Kind, match: r.Match, replace: r.Replace})
	}
	return t, nil
}

// Apply runs every rule in order. A redact rule whose match occurs in the
// text replaces the whole text.
func (t Table) Apply(text string) string {
	for _, r := range t.rules {
		switch r.kind {
		case KindHTMLUnescape:
			text = html.UnescapeString(text)
		case KindNormalize:
			text = norm.NFC.String(text)
		case KindRedact:
			if strings.Contains(text, r.match) {
				text = r.replace
			}
		}
	}
	return text
}

func (t Table) Len() int {
	return len(t.rules)
}

// Set maps backend names to tables.
type Set map[string]Table

func NewSet(backends []model.BackendConfig) (Set, error) {
	s := make(Set, len(backends))
	for _, b := range backends {
		t, err := NewTable(b.Filters)
		if err != nil {
			return nil, fmt.Errorf("backend %s: %w", b.Name, err)
		}
		s[b.Name] = t
	}
	return s, nil
}

// Apply filters text for backend. Backends without a table pass through.
func (s Set) Apply(backend, text string) string {
	return s[backend].Apply(text)
}
