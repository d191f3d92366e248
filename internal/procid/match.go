package procid

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Matcher decides whether a record names the target process.
type Matcher interface {
	Match(Record) bool
	String() string
}

// Substring matches rows whose full line contains the value. Case-sensitive.
type Substring string

func (s Substring) Match(r Record) bool {
	return strings.Contains(r.Line, string(s))
}

func (s Substring) String() string {
	return fmt.Sprintf("contains %q", string(s))
}

// Regexp matches rows whose full line matches the expression.
type Regexp struct {
	Expr *regexp.Regexp
}

func (m Regexp) Match(r Record) bool {
	return m.Expr != nil && m.Expr.MatchString(r.Line)
}

func (m Regexp) String() string {
	if m.Expr == nil {
		return "matches <nil>"
	}
	return fmt.Sprintf("matches /%s/", m.Expr.String())
}

type excluding struct {
	inner Matcher
	ids   map[int]struct{}
}

// Exclude wraps m so that rows carrying any of ids never match.
func Exclude(m Matcher, ids ...int) Matcher {
	set := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		if id > 0 {
			set[id] = struct{}{}
		}
	}
	if len(set) == 0 {
		return m
	}
	return excluding{inner: m, ids: set}
}

func (e excluding) Match(r Record) bool {
	if _, skip := e.ids[r.ID]; skip {
		return false
	}
	return e.inner.Match(r)
}

func (e excluding) String() string {
	ids := make([]int, 0, len(e.ids))
	for id := range e.ids {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return fmt.Sprintf("%s excluding %v", e.inner, ids)
}

// Policy picks among several matching rows.
type Policy int

const (
	FirstMatch Policy = iota
	LastMatch
)

// NotFoundError reports that no row matched.
type NotFoundError struct {
	Target   string
	Strategy string
	Listing  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no process matching %s in %s listing", e.Target, e.Strategy)
}

// Select applies m to records in listing order and returns the row chosen by
// policy.
func Select(records []Record, m Matcher, policy Policy) (Record, error) {
	found := -1
	for i, rec := range records {
		if !m.Match(rec) {
			continue
		}
		found = i
		if policy == FirstMatch {
			break
		}
	}
	if found < 0 {
		return Record{}, &NotFoundError{Target: m.String()}
	}
	return records[found], nil
}
