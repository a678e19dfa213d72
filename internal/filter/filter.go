// Package filter implements the regex text filter used to narrow catalog
// listings. Patterns are compiled case-insensitively and combined with an
// explicit mode instead of a caller-supplied combinator function.
package filter

import (
	"fmt"
	"regexp"
)

// Mode selects how a set of patterns combines.
type Mode int

const (
	// MatchAll requires every pattern to match (conjunctive, the default).
	MatchAll Mode = iota
	// MatchAny requires at least one pattern to match (disjunctive).
	MatchAny
)

func (m Mode) String() string {
	switch m {
	case MatchAll:
		return "all"
	case MatchAny:
		return "any"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// ParseMode maps the textual form ("all"/"any") back to a Mode.
func ParseMode(value string) (Mode, error) {
	switch value {
	case "", "all":
		return MatchAll, nil
	case "any":
		return MatchAny, nil
	default:
		return MatchAll, fmt.Errorf("filter: unknown mode %q", value)
	}
}

// Filter is a compiled pattern set. The zero-pattern filter matches
// everything.
type Filter struct {
	regexes []*regexp.Regexp
	mode    Mode
}

// Compile builds a Filter from raw patterns. Any invalid pattern fails the
// whole compilation: a filter is applied fully or not at all.
func Compile(patterns []string, mode Mode) (*Filter, error) {
	regexes := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("filter: invalid pattern %q: %w", pattern, err)
		}
		regexes = append(regexes, re)
	}
	return &Filter{regexes: regexes, mode: mode}, nil
}

// Match reports whether text satisfies the pattern set under the filter's
// mode. Empty text only matches an empty filter.
func (f *Filter) Match(text string) bool {
	if len(f.regexes) == 0 {
		return true
	}
	if text == "" {
		return false
	}
	for _, re := range f.regexes {
		matched := re.MatchString(text)
		if f.mode == MatchAny && matched {
			return true
		}
		if f.mode == MatchAll && !matched {
			return false
		}
	}
	return f.mode == MatchAll
}
