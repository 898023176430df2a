package rbac

import "strings"

// Match reports whether a pattern covers a value. Three forms are supported:
//
//	"*"           matches everything
//	"invoice/*"   matches "invoice/" and anything under it
//	"invoice/123" matches exactly
//
// The prefix wildcard only applies at a segment boundary, so "invoice*" is a
// literal, not a wildcard.
func Match(pattern, value string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "/*"); ok {
		return value == prefix || strings.HasPrefix(value, prefix+"/")
	}
	return pattern == value
}

// matchSubject checks a policy subject pattern against the caller's identity
// set: the user id and every resolved role name.
func matchSubject(pattern, userID string, roles []string) bool {
	if pattern == "*" {
		return true
	}
	if user, ok := strings.CutPrefix(pattern, "user:"); ok {
		return Match(user, userID)
	}
	if role, ok := strings.CutPrefix(pattern, "role:"); ok {
		for _, r := range roles {
			if Match(role, r) {
				return true
			}
		}
	}
	return false
}
