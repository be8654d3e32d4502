// Package match decides whether a normalized message is a billing alert for a
// tenant.
package match

import (
	"strings"

	"paywatch/internal/tenant"
)

// Matches returns the tenant phrases found in subject or body, in corpus
// order, without duplicates. Matching is case-insensitive substring search.
func Matches(t tenant.Tenant, subject, body string) []string {
	haystack := strings.ToLower(subject + "\n" + body)

	var out []string
	seen := make(map[string]struct{}, len(t.Keywords))
	for _, phrase := range t.Keywords {
		p := strings.ToLower(phrase)
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		if strings.Contains(haystack, p) {
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	return out
}

// SenderAllowed reports whether address passes the tenant allowlist. An empty
// allowlist allows everyone; otherwise any entry contained in the address
// allows it.
func SenderAllowed(t tenant.Tenant, address string) bool {
	if len(t.AllowedSenders) == 0 {
		return true
	}
	address = strings.ToLower(strings.TrimSpace(address))
	for _, s := range t.AllowedSenders {
		if s != "" && strings.Contains(address, s) {
			return true
		}
	}
	return false
}
