package secrets

import (
	"context"
	"crypto/subtle"
	"time"

	"golang.org/x/crypto/bcrypt"

	tokensmith "github.com/tokensmith/tokensmith"
)

// HashedSecretValidator verifies shared secrets against bcrypt hashes
type HashedSecretValidator struct{}

// SecretType returns the stored type this validator handles
func (HashedSecretValidator) SecretType() string {
	return tokensmith.SecretTypeSharedHashed
}

// Validate compares the parsed credential against every unexpired bcrypt
// secret of the matching type. bcrypt comparison is constant-time.
func (HashedSecretValidator) Validate(ctx context.Context, registered []tokensmith.Secret, parsed *ParsedSecret, now time.Time) (bool, error) {
	if parsed.Type != ParsedSecretTypeShared || parsed.Credential == "" {
		return false, nil
	}

	for _, secret := range registered {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if secret.Type != tokensmith.SecretTypeSharedHashed || secret.Expired(now) {
			continue
		}
		if bcrypt.CompareHashAndPassword([]byte(secret.Value), []byte(parsed.Credential)) == nil {
			return true, nil
		}
	}
	return false, nil
}

// PlainTextSecretValidator verifies shared secrets stored in cleartext.
// Intended for tests and development setups only.
type PlainTextSecretValidator struct{}

// SecretType returns the stored type this validator handles
func (PlainTextSecretValidator) SecretType() string {
	return tokensmith.SecretTypeSharedPlain
}

// Validate compares the parsed credential in constant time against every
// unexpired plaintext secret of the matching type
func (PlainTextSecretValidator) Validate(ctx context.Context, registered []tokensmith.Secret, parsed *ParsedSecret, now time.Time) (bool, error) {
	if parsed.Type != ParsedSecretTypeShared || parsed.Credential == "" {
		return false, nil
	}

	for _, secret := range registered {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		if secret.Type != tokensmith.SecretTypeSharedPlain || secret.Expired(now) {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(secret.Value), []byte(parsed.Credential)) == 1 {
			return true, nil
		}
	}
	return false, nil
}

// Compile-time interface checks
var (
	_ Validator = HashedSecretValidator{}
	_ Validator = PlainTextSecretValidator{}
)
