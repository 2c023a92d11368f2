// Package scope implements the host allow/deny policy described in spec §4.3
// ("Scope filter"): out-of-scope patterns are checked first and take
// precedence, then in-scope patterns must match, with "*.suffix" wildcard
// support. Grounded on the original implementation's matchesPattern /
// shouldSave in _examples/original_source/src-go/internal/proxy/proxy.go.
package scope

import "strings"

// Matches reports whether host matches pattern: an exact match, or a
// "*.suffix" wildcard that matches suffix itself or any of its subdomains.
func Matches(host, pattern string) bool {
	if pattern == host {
		return true
	}

	if strings.HasPrefix(pattern, "*.") {
		domain := pattern[2:]
		return host == domain || strings.HasSuffix(host, "."+domain)
	}

	return false
}

// ShouldCapture applies the scope filter for host given the saveOnlyInScope
// flag and the in-scope/out-of-scope pattern lists. Out-of-scope exclusions
// are evaluated first and always win; absent saveOnlyInScope, everything is
// captured.
func ShouldCapture(host string, saveOnlyInScope bool, inScope, outOfScope []string) bool {
	if !saveOnlyInScope {
		return true
	}

	for _, pattern := range outOfScope {
		if Matches(host, pattern) {
			return false
		}
	}

	for _, pattern := range inScope {
		if Matches(host, pattern) {
			return true
		}
	}

	return false
}
