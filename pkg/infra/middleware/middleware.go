// Package middleware provides gin middleware for the HTTP server: request ids,
// panic recovery, access logs, tracing, timeouts, body limits, rate limiting,
// CORS and security headers.
package middleware

import "strings"

// pathMatcher reports whether a request path should bypass a middleware.
// Entries ending in "*" match by prefix.
func pathMatcher(paths []string) func(string) bool {
	exact := make(map[string]struct{}, len(paths))
	var prefixes []string
	for _, p := range paths {
		if strings.HasSuffix(p, "*") {
			prefixes = append(prefixes, strings.TrimSuffix(p, "*"))
			continue
		}
		exact[p] = struct{}{}
	}
	return func(path string) bool {
		if _, ok := exact[path]; ok {
			return true
		}
		for _, p := range prefixes {
			if strings.HasPrefix(path, p) {
				return true
			}
		}
		return false
	}
}
