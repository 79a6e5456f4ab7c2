// Package tokens turns the canonical token model into wire representations:
// signed JWTs or opaque reference handles backed by the grant store.
package tokens

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/storage"
)

// Service issues tokens. Access tokens follow the client's configured
// representation; identity tokens are always signed.
type Service struct {
	signer          *Signer
	referenceTokens *storage.ReferenceTokenStore
	clock           tokensmith.Clock
	logger          *slog.Logger
	instrumentation *instrumentation.Instrumentation
}

// Options configures optional Service collaborators
type Options struct {
	// Clock overrides the wall clock, for tests
	Clock tokensmith.Clock

	// Logger receives issuance debug logs. Defaults to slog.Default().
	Logger *slog.Logger

	// Instrumentation records issuance metrics when set
	Instrumentation *instrumentation.Instrumentation
}

// NewService creates a token service. The signer is required; the reference
// token store is required only if any client uses reference access tokens.
func NewService(signer *Signer, referenceTokens *storage.ReferenceTokenStore, opts Options) (*Service, error) {
	if signer == nil {
		return nil, errors.New("signer is required")
	}
	if opts.Clock == nil {
		opts.Clock = tokensmith.SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		signer:          signer,
		referenceTokens: referenceTokens,
		clock:           opts.Clock,
		logger:          opts.Logger,
		instrumentation: opts.Instrumentation,
	}, nil
}

// SelectAlgorithm resolves a signing algorithm from the allow-list against
// the registered keys. See Signer.SelectAlgorithm.
func (s *Service) SelectAlgorithm(allowed []string) (string, error) {
	return s.signer.SelectAlgorithm(allowed)
}

// ParseToken verifies a signed token against the registered keys
func (s *Service) ParseToken(tokenString string) (jwt.MapClaims, error) {
	return s.signer.Parse(tokenString)
}

// ParseTokenHint verifies a signed token's signature without claim
// validation, for id_token hints that may have expired
func (s *Service) ParseTokenHint(tokenString string) (jwt.MapClaims, error) {
	return s.signer.ParseHint(tokenString)
}

// CreateToken produces the wire form of the token: a compact JWT for signed
// tokens, an opaque handle for reference tokens. The token's claim set is
// deduplicated before encoding, so issuance is deterministic for equal sets.
func (s *Service) CreateToken(ctx context.Context, token *tokensmith.Token) (string, error) {
	if token.CreationTime.IsZero() {
		token.CreationTime = s.clock.Now().UTC()
	}
	token.Claims = NewClaims(token.Claims...)

	if token.Type == tokensmith.TokenTypeIdentity || token.AccessTokenType == tokensmith.AccessTokenTypeJWT {
		return s.createSigned(ctx, token)
	}
	return s.createReference(ctx, token)
}

// CreateIDToken signs an identity token. Identity tokens never use the
// reference representation regardless of client configuration.
func (s *Service) CreateIDToken(ctx context.Context, token *tokensmith.Token, authTime int64) (string, error) {
	token.Type = tokensmith.TokenTypeIdentity
	if authTime > 0 {
		token.Claims = append(token.Claims, tokensmith.Claim{
			Type:  "auth_time",
			Value: fmt.Sprintf("%d", authTime),
		})
	}
	return s.CreateToken(ctx, token)
}

func (s *Service) createSigned(ctx context.Context, token *tokensmith.Token) (string, error) {
	algorithm := token.SigningAlgorithm
	if algorithm == "" {
		var err error
		algorithm, err = s.signer.SelectAlgorithm(nil)
		if err != nil {
			return "", err
		}
	} else if _, err := s.signer.SelectAlgorithm([]string{algorithm}); err != nil {
		return "", err
	}

	signed, err := s.signer.Sign(s.jwtClaims(token), algorithm)
	if err != nil {
		return "", err
	}

	s.logger.Debug("Issued signed token",
		"token_type", token.Type,
		"client_id", token.ClientID,
		"algorithm", algorithm)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenIssued(ctx, token.ClientID, token.Type, "jwt")
	}
	return signed, nil
}

func (s *Service) createReference(ctx context.Context, token *tokensmith.Token) (string, error) {
	if s.referenceTokens == nil {
		return "", errors.New("reference token store not configured")
	}

	handle, err := s.referenceTokens.Store(ctx, &storage.ReferenceToken{
		Issuer:       token.Issuer,
		Audiences:    token.Audiences,
		ClientID:     token.ClientID,
		SubjectID:    token.SubjectID,
		SessionID:    token.SessionID,
		Scopes:       token.Scopes,
		Claims:       token.Claims,
		CreationTime: token.CreationTime,
		Lifetime:     token.Lifetime,
	})
	if err != nil {
		return "", fmt.Errorf("failed to store reference token: %w", err)
	}

	s.logger.Debug("Issued reference token",
		"client_id", token.ClientID,
		"lifetime", token.Lifetime)
	if s.instrumentation != nil {
		s.instrumentation.Metrics().RecordTokenIssued(ctx, token.ClientID, token.Type, "reference")
	}
	return handle, nil
}

// jwtClaims flattens the token model into JWT claims. Registered claim names
// are stamped from the model; a custom claim with one value becomes a scalar
// and one with several values becomes an array.
func (s *Service) jwtClaims(token *tokensmith.Token) jwt.MapClaims {
	now := token.CreationTime
	claims := jwt.MapClaims{
		"iss": token.Issuer,
		"iat": jwt.NewNumericDate(now),
		"exp": jwt.NewNumericDate(token.Expiration()),
		"jti": uuid.New().String(),
	}
	if token.SubjectID != "" {
		claims["sub"] = token.SubjectID
	}
	switch len(token.Audiences) {
	case 0:
	case 1:
		claims["aud"] = token.Audiences[0]
	default:
		claims["aud"] = token.Audiences
	}
	if token.ClientID != "" {
		claims["client_id"] = token.ClientID
	}
	if token.SessionID != "" {
		claims["sid"] = token.SessionID
	}
	if len(token.Scopes) > 0 {
		claims["scope"] = strings.Join(token.Scopes, " ")
	}
	if token.Nonce != "" {
		claims["nonce"] = token.Nonce
	}

	for _, claim := range token.Claims {
		existing, ok := claims[claim.Type]
		if !ok {
			if n, numeric := numericClaimValue(claim); numeric {
				claims[claim.Type] = n
			} else {
				claims[claim.Type] = claim.Value
			}
			continue
		}
		switch v := existing.(type) {
		case string:
			claims[claim.Type] = []string{v, claim.Value}
		case []string:
			claims[claim.Type] = append(v, claim.Value)
		default:
			// Registered claims set above are not overridden by custom claims.
		}
	}
	return claims
}

// numericClaimValue reports whether the claim must be encoded as a JSON
// number. auth_time is the only such claim the engine produces itself.
func numericClaimValue(claim tokensmith.Claim) (int64, bool) {
	if claim.Type != "auth_time" {
		return 0, false
	}
	n, err := strconv.ParseInt(claim.Value, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
