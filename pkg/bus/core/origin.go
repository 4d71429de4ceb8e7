package core

import (
	"regexp"
	"strings"
)

// maxWildcardClass bounds the character class substituted for a `*` in a
// configured origin pattern, precluding catastrophic backtracking.
const maxWildcardClass = 253

// OriginValidator decides whether a stated origin may deliver to this
// process, applying allow-all, same-origin, exact, and bounded-wildcard
// rules in that order.
type OriginValidator struct {
	allowAll   bool
	sameOrigin string
	exact      map[string]struct{}
	patterns   []*regexp.Regexp
}

// NewOriginValidator compiles the allowed-origin configuration. allowAll
// short-circuits every other rule; sameOrigin is the process-wide
// same-origin reference used when the configuration is empty.
func NewOriginValidator(allowed []string, sameOrigin string, allowAll bool) *OriginValidator {
	v := &OriginValidator{
		allowAll:   allowAll,
		sameOrigin: sameOrigin,
		exact:      make(map[string]struct{}),
	}
	for _, origin := range allowed {
		if strings.Contains(origin, "*") {
			if re := compileBounded(origin); re != nil {
				v.patterns = append(v.patterns, re)
			}
			continue
		}
		v.exact[origin] = struct{}{}
	}
	return v
}

// compileBounded turns a `*`-bearing origin pattern into a regular
// expression whose wildcard is a bounded character class instead of an
// unbounded quantifier.
func compileBounded(pattern string) *regexp.Regexp {
	parts := strings.Split(pattern, "*")
	var b strings.Builder
	b.WriteString("^")
	for i, part := range parts {
		if i > 0 {
			b.WriteString("[^/]{0,")
			b.WriteString("253}")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil
	}
	return re
}

// IsAllowed applies the decision rules in order: allow-all; "null"
// only if listed exactly; same-origin when nothing is configured; exact
// match; wildcard pattern match; otherwise reject.
func (v *OriginValidator) IsAllowed(origin string) bool {
	if v.allowAll {
		return true
	}
	if origin == "null" {
		_, ok := v.exact["null"]
		return ok
	}
	if len(v.exact) == 0 && len(v.patterns) == 0 {
		return origin == v.sameOrigin
	}
	if _, ok := v.exact[origin]; ok {
		return true
	}
	for _, re := range v.patterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
