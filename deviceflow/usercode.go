package deviceflow

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// userCodeCharset avoids vowels and visually ambiguous glyphs so codes are
// easy to read out loud and never spell words.
const userCodeCharset = "BCDFGHJKLMNPQRSTVWXZ"

const userCodeLength = 8

// GenerateUserCode produces a short human-typeable code in XXXX-XXXX form.
// Random bytes at or above the largest multiple of the charset size are
// rejected, so every charset character is equally likely.
func GenerateUserCode() (string, error) {
	const limit = 256 - 256%len(userCodeCharset)

	code := make([]byte, 0, userCodeLength)
	buf := make([]byte, userCodeLength)
	for len(code) < userCodeLength {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to generate user code: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			code = append(code, userCodeCharset[int(b)%len(userCodeCharset)])
			if len(code) == userCodeLength {
				break
			}
		}
	}
	return string(code[:4]) + "-" + string(code[4:]), nil
}

// NormalizeUserCode maps user input to the canonical stored form: uppercase,
// separators stripped, the single dash reinserted. Returns an empty string
// for input that cannot be a user code.
func NormalizeUserCode(input string) string {
	cleaned := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(input)))
	if len(cleaned) != userCodeLength {
		return ""
	}
	for _, r := range cleaned {
		if !strings.ContainsRune(userCodeCharset, r) {
			return ""
		}
	}
	return cleaned[:4] + "-" + cleaned[4:]
}
