package cache

import (
	"fmt"
	"regexp"
	"strings"
)

// Exclusions decides whether a model's responses should bypass the cache
// entirely (no lookup, no store). Rules come from configuration as a single
// list: a plain entry matches the model name exactly, an entry prefixed
// with "re:" is compiled as a regular expression.
//
// A nil *Exclusions is safe to call — Excluded always returns false.
type Exclusions struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// ParseExclusions compiles the rule list. Invalid patterns fail here so
// misconfiguration surfaces at startup, not per request.
func ParseExclusions(rules []string) (*Exclusions, error) {
	if len(rules) == 0 {
		return nil, nil
	}

	ex := &Exclusions{exact: make(map[string]struct{})}
	for _, rule := range rules {
		rule = strings.TrimSpace(rule)
		if rule == "" {
			continue
		}
		if pat, ok := strings.CutPrefix(rule, "re:"); ok {
			re, err := regexp.Compile(pat)
			if err != nil {
				return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", pat, err)
			}
			ex.patterns = append(ex.patterns, re)
			continue
		}
		ex.exact[rule] = struct{}{}
	}
	return ex, nil
}

// Excluded reports whether model must not be cached.
func (ex *Exclusions) Excluded(model string) bool {
	if ex == nil {
		return false
	}
	if _, ok := ex.exact[model]; ok {
		return true
	}
	for _, re := range ex.patterns {
		if re.MatchString(model) {
			return true
		}
	}
	return false
}
