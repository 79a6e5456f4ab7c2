package secrets

import (
	"context"
	"errors"
	"log/slog"
	"time"

	tokensmith "github.com/tokensmith/tokensmith"
)

// Pipeline runs the registered parsers and validators against a request.
// Parsers are tried in registration order, first extraction wins; every
// validator whose secret type appears in the entity's registered secrets
// gets a chance to accept the credential.
type Pipeline struct {
	parsers    []Parser
	validators []Validator
	logger     *slog.Logger
}

// NewPipeline creates a pipeline with the given parsers and validators.
// NewDefaultPipeline wires the standard set.
func NewPipeline(parsers []Parser, validators []Validator, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		parsers:    parsers,
		validators: validators,
		logger:     logger,
	}
}

// NewDefaultPipeline wires the basic-authentication and post-body parsers
// with the hashed and plaintext shared-secret validators
func NewDefaultPipeline(logger *slog.Logger) *Pipeline {
	return NewPipeline(
		[]Parser{
			BasicAuthenticationParser{},
			PostBodyParser{},
		},
		[]Validator{
			HashedSecretValidator{},
			PlainTextSecretValidator{},
		},
		logger,
	)
}

// Parse runs the parsers in order and returns the first extracted
// credential. Returns ErrNoSecretFound if no parser matches.
func (p *Pipeline) Parse(ctx context.Context, req *Request) (*ParsedSecret, error) {
	for _, parser := range p.parsers {
		parsed, err := parser.Parse(ctx, req)
		if err != nil {
			return nil, err
		}
		if parsed != nil {
			return parsed, nil
		}
	}
	return nil, ErrNoSecretFound
}

// Validate verifies the parsed credential against the entity's registered
// secrets. Failure is always the generic ErrInvalidSecret; the caller never
// learns which validators ran or how close a guess came.
func (p *Pipeline) Validate(ctx context.Context, registered []tokensmith.Secret, parsed *ParsedSecret, now time.Time) error {
	if parsed == nil {
		return ErrInvalidSecret
	}

	for _, validator := range p.validators {
		ok, err := validator.Validate(ctx, registered, parsed, now)
		if err != nil {
			// Cancellation propagates; anything else stays generic
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			p.logger.Debug("Secret validator failed", "secret_type", validator.SecretType(), "error", err)
			continue
		}
		if ok {
			return nil
		}
	}
	return ErrInvalidSecret
}
