package cache

import (
	"fmt"
	"regexp"
)

// ExclusionList decides whether a dispatch should bypass the response cache.
// Two rule kinds are supported:
//
//   - Backend rules: exact backend ids whose responses are never cached
//     (useful for backends serving time-sensitive answers).
//   - Prompt rules: compiled regexps tested against the prompt text, for
//     request shapes that must always hit a live model.
//
// A nil *ExclusionList is safe to call — Matches always returns false.
type ExclusionList struct {
	backends map[string]struct{}
	prompts  []*regexp.Regexp
}

// NewExclusionList compiles backend ids and prompt patterns into an
// ExclusionList. Pattern compile errors are returned so misconfiguration is
// caught at startup.
func NewExclusionList(backends, promptPatterns []string) (*ExclusionList, error) {
	el := &ExclusionList{
		backends: make(map[string]struct{}, len(backends)),
	}

	for _, b := range backends {
		if b != "" {
			el.backends[b] = struct{}{}
		}
	}

	for _, p := range promptPatterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache exclusion: invalid pattern %q: %w", p, err)
		}
		el.prompts = append(el.prompts, re)
	}

	return el, nil
}

// Matches reports whether a dispatch to backendID with the given prompt is
// excluded from caching. Backend rules are checked first (O(1)), then prompt
// patterns in order.
func (el *ExclusionList) Matches(backendID, prompt string) bool {
	if el == nil {
		return false
	}
	if _, ok := el.backends[backendID]; ok {
		return true
	}
	for _, re := range el.prompts {
		if re.MatchString(prompt) {
			return true
		}
	}
	return false
}

// Len returns the total number of exclusion rules configured.
func (el *ExclusionList) Len() int {
	if el == nil {
		return 0
	}
	return len(el.backends) + len(el.prompts)
}
