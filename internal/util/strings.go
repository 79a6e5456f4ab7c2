package util

import "strings"

// SafeTruncate safely truncates a string to maxLen characters without panicking.
// Returns the original string if it's shorter than maxLen, otherwise returns
// the first maxLen characters. This prevents index out of bounds errors when
// logging sensitive data like grant handles, where only a prefix should be shown.
//
// If maxLen is negative, it's treated as 0 and returns an empty string.
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// ParseScopes splits a space-delimited scope parameter into scope names,
// dropping empty entries (RFC 6749 §3.3).
func ParseScopes(scope string) []string {
	if scope == "" {
		return nil
	}
	fields := strings.Fields(scope)
	if len(fields) == 0 {
		return nil
	}
	return fields
}

// JoinScopes renders scope names as the space-delimited wire form
func JoinScopes(scopes []string) string {
	return strings.Join(scopes, " ")
}

// ContainsString reports whether list contains s
func ContainsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
