package util

import (
	"testing"
)

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   string
	}{
		{"shorter than max", "abc", 10, "abc"},
		{"equal to max", "abcdef", 6, "abcdef"},
		{"longer than max", "abcdefghij", 4, "abcd"},
		{"empty string", "", 5, ""},
		{"zero max", "abc", 0, ""},
		{"negative max", "abc", -1, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SafeTruncate(tt.input, tt.maxLen); got != tt.want {
				t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func TestParseScopes(t *testing.T) {
	tests := []struct {
		name  string
		scope string
		want  []string
	}{
		{"empty", "", nil},
		{"single", "openid", []string{"openid"}},
		{"multiple", "openid profile api", []string{"openid", "profile", "api"}},
		{"extra whitespace", "  openid   profile ", []string{"openid", "profile"}},
		{"only whitespace", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseScopes(tt.scope)
			if len(got) != len(tt.want) {
				t.Fatalf("ParseScopes(%q) = %v, want %v", tt.scope, got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("ParseScopes(%q)[%d] = %q, want %q", tt.scope, i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestJoinScopes(t *testing.T) {
	if got := JoinScopes([]string{"openid", "api"}); got != "openid api" {
		t.Errorf("JoinScopes() = %q, want %q", got, "openid api")
	}
	if got := JoinScopes(nil); got != "" {
		t.Errorf("JoinScopes(nil) = %q, want empty", got)
	}
}
