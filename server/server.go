package server

import (
	"fmt"
	"log/slog"
	"net/url"

	tokensmith "github.com/tokensmith/tokensmith"
	"github.com/tokensmith/tokensmith/deviceflow"
	"github.com/tokensmith/tokensmith/instrumentation"
	"github.com/tokensmith/tokensmith/secrets"
	"github.com/tokensmith/tokensmith/security"
	"github.com/tokensmith/tokensmith/storage"
	"github.com/tokensmith/tokensmith/tokens"
)

// Server coordinates the protocol operations over the configured stores and
// the token service. All shared mutable state lives in the grant store, so a
// single Server is safe for concurrent use.
type Server struct {
	clients   storage.ClientStore
	resources storage.ResourceStore
	grants    storage.PersistedGrantStore

	authCodes       *storage.AuthorizationCodeStore
	refreshTokens   *storage.RefreshTokenStore
	referenceTokens *storage.ReferenceTokenStore
	consents        *storage.ConsentStore

	tokenService *tokens.Service
	deviceEngine *deviceflow.Engine

	clientAuth   *ClientAuthenticator
	resourceAuth *ResourceAuthenticator

	Auditor         *security.Auditor
	Logger          *slog.Logger
	Config          *Config
	Instrumentation *instrumentation.Instrumentation

	clock tokensmith.Clock
}

// Dependencies are the collaborators required to build a Server
type Dependencies struct {
	// Clients is the read-only client registry (required)
	Clients storage.ClientStore

	// Resources is the read-only resource registry (required)
	Resources storage.ResourceStore

	// Grants is the persisted grant store (required)
	Grants storage.PersistedGrantStore

	// TokenService issues tokens (required)
	TokenService *tokens.Service

	// DeviceEngine handles device authorization. Optional; without it the
	// device grant is rejected as unsupported.
	DeviceEngine *deviceflow.Engine

	// SecretsPipeline authenticates clients and resources.
	// Defaults to secrets.NewDefaultPipeline.
	SecretsPipeline *secrets.Pipeline

	// Serializer encodes grant payloads. Defaults to JSON.
	Serializer storage.Serializer

	// Clock overrides the wall clock, for tests
	Clock tokensmith.Clock

	// Auditor records security events when set
	Auditor *security.Auditor

	// Instrumentation records metrics when set
	Instrumentation *instrumentation.Instrumentation
}

// New creates a new Server
func New(deps Dependencies, config *Config, logger *slog.Logger) (*Server, error) {
	if deps.Clients == nil {
		return nil, fmt.Errorf("client store is required")
	}
	if deps.Resources == nil {
		return nil, fmt.Errorf("resource store is required")
	}
	if deps.Grants == nil {
		return nil, fmt.Errorf("grant store is required")
	}
	if deps.TokenService == nil {
		return nil, fmt.Errorf("token service is required")
	}
	if config == nil {
		config = &Config{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	config = applyDefaults(config, logger)

	if err := validateIssuer(config.Issuer); err != nil {
		return nil, err
	}

	if deps.SecretsPipeline == nil {
		deps.SecretsPipeline = secrets.NewDefaultPipeline(logger)
	}
	if deps.Clock == nil {
		deps.Clock = tokensmith.SystemClock{}
	}

	srv := &Server{
		clients:         deps.Clients,
		resources:       deps.Resources,
		grants:          deps.Grants,
		authCodes:       storage.NewAuthorizationCodeStore(deps.Grants, deps.Serializer),
		refreshTokens:   storage.NewRefreshTokenStore(deps.Grants, deps.Serializer),
		referenceTokens: storage.NewReferenceTokenStore(deps.Grants, deps.Serializer),
		consents:        storage.NewConsentStore(deps.Grants, deps.Serializer),
		tokenService:    deps.TokenService,
		deviceEngine:    deps.DeviceEngine,
		Auditor:         deps.Auditor,
		Logger:          logger,
		Config:          config,
		Instrumentation: deps.Instrumentation,
		clock:           deps.Clock,
	}
	srv.clientAuth = &ClientAuthenticator{
		clients:  deps.Clients,
		pipeline: deps.SecretsPipeline,
		clock:    deps.Clock,
		auditor:  deps.Auditor,
		logger:   logger,
	}
	srv.resourceAuth = &ResourceAuthenticator{
		resources: deps.Resources,
		pipeline:  deps.SecretsPipeline,
		clock:     deps.Clock,
		auditor:   deps.Auditor,
		logger:    logger,
	}
	return srv, nil
}

// ClientAuth returns the client authenticator for host endpoints that
// authenticate clients outside the built-in operations
func (s *Server) ClientAuth() *ClientAuthenticator {
	return s.clientAuth
}

// validateIssuer rejects issuers that are not absolute http(s) URLs. An empty
// issuer is rejected outright; every token stamps it.
func validateIssuer(issuer string) error {
	if issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	parsed, err := url.Parse(issuer)
	if err != nil {
		return fmt.Errorf("invalid issuer URL: %w", err)
	}
	if parsed.Scheme != "https" && parsed.Scheme != "http" {
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", parsed.Scheme)
	}
	if parsed.Host == "" {
		return fmt.Errorf("issuer URL must be absolute")
	}
	return nil
}

// lifetime resolves a per-client lifetime against the server default
func lifetime(clientValue int, serverDefault int64) int {
	if clientValue > 0 {
		return clientValue
	}
	return int(serverDefault)
}
