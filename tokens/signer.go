package tokens

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// ErrAlgorithmNotAllowed is returned when no signing key satisfies the
// intersection of the caller's allow-list and the registered keys. This is a
// deployment configuration problem, not a protocol error, and is never
// resolved by silently falling back to another algorithm.
var ErrAlgorithmNotAllowed = errors.New("no signing key for the allowed algorithms")

// SigningKey is one registered key pair. Algorithm is a JOSE identifier
// (RS256, ES256, ...) and PrivateKey must match it.
type SigningKey struct {
	KID        string
	Algorithm  string
	PrivateKey crypto.PrivateKey
}

// Signer signs and verifies JWTs with a fixed set of registered keys, one per
// algorithm. The first registered key's algorithm is the default.
type Signer struct {
	keys             map[string]*SigningKey
	defaultAlgorithm string
}

// NewSigner registers the given keys. At least one key is required; a second
// key for an algorithm already registered is rejected.
func NewSigner(keys ...*SigningKey) (*Signer, error) {
	if len(keys) == 0 {
		return nil, errors.New("at least one signing key is required")
	}
	s := &Signer{keys: make(map[string]*SigningKey, len(keys))}
	for _, key := range keys {
		if jwt.GetSigningMethod(key.Algorithm) == nil {
			return nil, fmt.Errorf("unknown signing algorithm %q", key.Algorithm)
		}
		if _, exists := s.keys[key.Algorithm]; exists {
			return nil, fmt.Errorf("duplicate signing key for algorithm %q", key.Algorithm)
		}
		s.keys[key.Algorithm] = key
	}
	s.defaultAlgorithm = keys[0].Algorithm
	return s, nil
}

// SelectAlgorithm resolves the algorithm to sign with. An empty allow-list
// means the default; a non-empty list must intersect the registered keys or
// the selection fails with ErrAlgorithmNotAllowed.
func (s *Signer) SelectAlgorithm(allowed []string) (string, error) {
	if len(allowed) == 0 {
		return s.defaultAlgorithm, nil
	}
	for _, alg := range allowed {
		if _, ok := s.keys[alg]; ok {
			return alg, nil
		}
	}
	return "", fmt.Errorf("%w: requested %v", ErrAlgorithmNotAllowed, allowed)
}

// Sign produces a compact JWT over the claims with the given algorithm. The
// key id goes into the header for JWKS consumers.
func (s *Signer) Sign(claims jwt.Claims, algorithm string) (string, error) {
	key, ok := s.keys[algorithm]
	if !ok {
		return "", fmt.Errorf("%w: requested %v", ErrAlgorithmNotAllowed, []string{algorithm})
	}

	token := jwt.NewWithClaims(jwt.GetSigningMethod(algorithm), claims)
	if key.KID != "" {
		token.Header["kid"] = key.KID
	}

	signed, err := token.SignedString(key.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Parse verifies a compact JWT against the registered keys and returns its
// claims. The token's alg header chooses the key; expiry is validated by the
// jwt library against the wall clock.
func (s *Signer) Parse(tokenString string) (jwt.MapClaims, error) {
	return s.parse(tokenString)
}

// ParseHint verifies the signature of a compact JWT but skips claim
// validation. End-session accepts expired id_token hints; the signature is
// still what proves the hint was issued here.
func (s *Signer) ParseHint(tokenString string) (jwt.MapClaims, error) {
	return s.parse(tokenString, jwt.WithoutClaimsValidation())
}

func (s *Signer) parse(tokenString string, opts ...jwt.ParserOption) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		key, ok := s.keys[t.Method.Alg()]
		if !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey(key.PrivateKey)
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("token is not valid")
	}
	return claims, nil
}

func publicKey(private crypto.PrivateKey) (crypto.PublicKey, error) {
	switch k := private.(type) {
	case *rsa.PrivateKey:
		return &k.PublicKey, nil
	case *ecdsa.PrivateKey:
		return &k.PublicKey, nil
	default:
		return nil, fmt.Errorf("unsupported private key type %T", private)
	}
}
