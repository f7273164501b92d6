package admission

import "strings"

// Authorized reports whether the granted scopes satisfy the required
// scope. A grant matches when it is the universal wildcard, the admin
// wildcard, the exact scope, or a domain-level wildcard covering the
// required scope's domain prefix (e.g. "ai:*" covers "ai:infer").
func Authorized(granted []string, required string) bool {
	if required == "" {
		return true
	}

	domain := required
	if idx := strings.Index(required, ":"); idx > 0 {
		domain = required[:idx]
	}

	for _, scope := range granted {
		switch scope {
		case "*", "admin:*", required:
			return true
		}
		if strings.HasSuffix(scope, ":*") && strings.TrimSuffix(scope, ":*") == domain {
			return true
		}
	}
	return false
}
