// Package scope implements the pattern language used by authority policies
// and execution mandates: `*` matches any run of characters (including `/`
// and `:`), `?` matches exactly one character, and everything else is
// literal. Exact match is the common case and takes a literal fast path.
// Matches and SubsetOf compile their patterns on every call; CompileSet
// returns a reusable Set, and this package keeps no cache of its own.
package scope

import (
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Pattern is a compiled scope pattern.
type Pattern struct {
	raw     string
	literal bool
	re      *regexp.Regexp
}

// Compile parses a single pattern. Patterns without metacharacters stay on
// the literal fast path. Inputs are NFC-normalized first so that visually
// identical resource names with different Unicode encodings cannot slip
// past a literal comparison.
func Compile(pattern string) (*Pattern, error) {
	pattern = norm.NFC.String(pattern)
	if !strings.ContainsAny(pattern, "*?") {
		return &Pattern{raw: pattern, literal: true}, nil
	}

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	return &Pattern{raw: pattern, re: re}, nil
}

// Match reports whether value matches the pattern.
func (p *Pattern) Match(value string) bool {
	value = norm.NFC.String(value)
	if p.literal {
		return p.raw == value
	}
	return p.re.MatchString(value)
}

func (p *Pattern) String() string { return p.raw }

// Set is an ordered list of compiled patterns, one per scope entry.
type Set struct {
	patterns []*Pattern
}

// CompileSet compiles every pattern in raw. A malformed pattern fails the
// whole set: a scope that cannot be fully compiled must never partially
// match (fail closed).
func CompileSet(raw []string) (*Set, error) {
	out := make([]*Pattern, 0, len(raw))
	for _, r := range raw {
		p, err := Compile(r)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return &Set{patterns: out}, nil
}

// Match reports whether any pattern in the set matches value.
func (s *Set) Match(value string) bool {
	for _, p := range s.patterns {
		if p.Match(value) {
			return true
		}
	}
	return false
}

// Matches is a convenience for one-shot checks against a raw pattern list,
// used where the caller has no compiled set cached. Malformed patterns
// count as non-matching.
func Matches(raw []string, value string) bool {
	for _, r := range raw {
		p, err := Compile(r)
		if err != nil {
			continue
		}
		if p.Match(value) {
			return true
		}
	}
	return false
}

// SubsetOf reports whether every pattern in child is covered by at least
// one pattern in parent. A parent pattern covers a child pattern when they
// are identical, or when the parent pattern (as a glob) matches the child
// pattern's text. Treating the child's own wildcards as literal characters
// under the parent glob is deliberately conservative: `api:*` covers
// `api:openai:*`, but `api:openai:x` does not cover `api:openai:?`
// unless spelled identically, so delegation can narrow scope but never
// widen it through wildcard games.
func SubsetOf(child, parent []string) bool {
	for _, c := range child {
		if !Matches(parent, c) && !containsExact(parent, c) {
			return false
		}
	}
	return true
}

func containsExact(patterns []string, v string) bool {
	v = norm.NFC.String(v)
	for _, p := range patterns {
		if norm.NFC.String(p) == v {
			return true
		}
	}
	return false
}
