package tokens

import (
	tokensmith "github.com/tokensmith/tokensmith"
)

// NewClaims collapses duplicate type+value pairs, keeping first-seen order.
// Two claims of the same type with different values both survive.
func NewClaims(claims ...tokensmith.Claim) []tokensmith.Claim {
	seen := make(map[tokensmith.Claim]struct{}, len(claims))
	out := make([]tokensmith.Claim, 0, len(claims))
	for _, c := range claims {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}

// ClaimsEqual reports whether two claim slices carry the same set of
// type+value pairs, regardless of order or duplication
func ClaimsEqual(a, b []tokensmith.Claim) bool {
	setA := make(map[tokensmith.Claim]struct{}, len(a))
	for _, c := range a {
		setA[c] = struct{}{}
	}
	setB := make(map[tokensmith.Claim]struct{}, len(b))
	for _, c := range b {
		setB[c] = struct{}{}
	}
	if len(setA) != len(setB) {
		return false
	}
	for c := range setA {
		if _, ok := setB[c]; !ok {
			return false
		}
	}
	return true
}

// ClaimValues returns every value of the given claim type, in claim order
func ClaimValues(claims []tokensmith.Claim, claimType string) []string {
	var values []string
	for _, c := range claims {
		if c.Type == claimType {
			values = append(values, c.Value)
		}
	}
	return values
}
