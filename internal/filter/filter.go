// Package filter decides which subject identifiers are eligible for
// instrumentation.
//
// Patterns use gitignore-style globs: literal segments, `*` for a single
// segment, `**` for any number of segments, `?` for a single character.
// All patterns are anchored against the full identifier. Exclude rules
// always win over include rules, and an empty include list admits every
// identifier that is not excluded.
package filter

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"

	"github.com/flowtrace/flowtrace-go/internal/logging"
)

// RuleSet holds compiled include and exclude patterns. Immutable after
// construction, safe for unsynchronized concurrent reads.
type RuleSet struct {
	include []pattern
	exclude []pattern
}

type pattern struct {
	raw        string
	normalized string
	valid      bool
}

// NewRuleSet compiles the given pattern lists. Malformed patterns never
// fail construction: each is reported as a warning and compiled to a
// matcher that matches nothing.
func NewRuleSet(include, exclude []string, log *logging.Logger) *RuleSet {
	if log == nil {
		log = logging.NewNop()
	}
	return &RuleSet{
		include: compile(include, log),
		exclude: compile(exclude, log),
	}
}

// Allows reports whether an identifier should be instrumented.
func (r *RuleSet) Allows(identifier string) bool {
	id := normalize(identifier)

	for _, p := range r.exclude {
		if p.match(id) {
			return false
		}
	}

	if len(r.include) == 0 {
		return true
	}

	for _, p := range r.include {
		if p.match(id) {
			return true
		}
	}
	return false
}

func compile(raw []string, log *logging.Logger) []pattern {
	patterns := make([]pattern, 0, len(raw))
	for _, s := range raw {
		p := pattern{raw: s, normalized: normalize(s)}
		if doublestar.ValidatePattern(p.normalized) {
			p.valid = true
		} else {
			log.Warn("malformed filter pattern, it will match nothing",
				zap.String("pattern", s))
		}
		patterns = append(patterns, p)
	}
	return patterns
}

func (p pattern) match(id string) bool {
	if !p.valid {
		return false
	}
	// A lone recursive wildcard admits everything, including the empty
	// identifier.
	if p.normalized == "**" {
		return true
	}
	ok, err := doublestar.Match(p.normalized, id)
	if err != nil {
		return false
	}
	return ok
}

// normalize maps dotted identifiers (pkg.sub.Type) onto the slash-separated
// form the glob matcher understands, so both spellings behave identically.
func normalize(s string) string {
	return strings.ReplaceAll(s, ".", "/")
}
