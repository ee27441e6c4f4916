// Package origins matches browser origins and return URLs against the
// configured allow-list. Entries are exact origins ("https://example.com") or
// wildcard patterns ("https://*.example.com").
package origins

import (
	"net/url"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// AllowList is an immutable set of allowed origins.
type AllowList struct {
	exact    map[string]struct{}
	patterns []string
	entries  []string
}

// NewAllowList normalizes entries and drops blanks.
func NewAllowList(entries []string) *AllowList {
	a := &AllowList{exact: make(map[string]struct{})}
	for _, e := range entries {
		e = normalize(e)
		if e == "" {
			continue
		}
		a.entries = append(a.entries, e)
		if strings.ContainsAny(e, "*?") {
			a.patterns = append(a.patterns, e)
			continue
		}
		a.exact[e] = struct{}{}
	}
	return a
}

// Parse splits a comma-separated list.
func Parse(raw string) *AllowList {
	return NewAllowList(strings.Split(raw, ","))
}

// Entries returns the normalized entries in configuration order.
func (a *AllowList) Entries() []string {
	out := make([]string, len(a.entries))
	copy(out, a.entries)
	return out
}

// Empty reports whether no origin is allowed.
func (a *AllowList) Empty() bool {
	return a == nil || len(a.entries) == 0
}

// Allowed reports whether origin matches an entry.
func (a *AllowList) Allowed(origin string) bool {
	if a == nil {
		return false
	}
	origin = normalize(origin)
	if origin == "" || origin == "null" {
		return false
	}
	if _, ok := a.exact[origin]; ok {
		return true
	}
	for _, p := range a.patterns {
		if wildcard.Match(p, origin) {
			return true
		}
	}
	return false
}

// AllowedURL reports whether rawURL is an absolute http(s) URL whose origin
// is allowed.
func (a *AllowList) AllowedURL(rawURL string) bool {
	origin, ok := OriginOf(rawURL)
	if !ok {
		return false
	}
	return a.Allowed(origin)
}

// OriginOf returns scheme://host[:port] for an absolute http(s) URL.
func OriginOf(rawURL string) (string, bool) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || parsed == nil || !parsed.IsAbs() || parsed.Host == "" {
		return "", false
	}
	scheme := strings.ToLower(parsed.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	if parsed.User != nil {
		return "", false
	}
	return scheme + "://" + strings.ToLower(parsed.Host), true
}

func normalize(origin string) string {
	return strings.TrimRight(strings.ToLower(strings.TrimSpace(origin)), "/")
}
