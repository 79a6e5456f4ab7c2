package server

import (
	"log/slog"
)

// Config holds token engine configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 3600 (1 hour)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// IdentityTokenTTL is how long identity tokens are valid
	IdentityTokenTTL int64 // seconds, default: 300 (5 minutes)

	// DeviceCodeTTL is how long device codes are valid
	DeviceCodeTTL int64 // seconds, default: 300 (5 minutes)

	// ClockSkewGracePeriod is the grace period for expiration checks (in
	// seconds), preventing false expiration errors from clock drift between
	// instances. Default: 5 seconds.
	ClockSkewGracePeriod int64

	// RequirePKCE enforces PKCE for all authorization code requests even when
	// the client does not demand it. When false, PKCE is still enforced for
	// clients registered with RequirePKCE.
	// Default: true
	RequirePKCE bool

	// AllowPKCEPlain allows the 'plain' code_challenge_method for clients
	// that additionally permit it. The S256 method is always accepted.
	// Default: false
	AllowPKCEPlain bool

	// ConsentLifetime is how long a stored consent decision is honored, in
	// seconds. Zero means consent never expires.
	ConsentLifetime int64
}

// applyDefaults fills zero-valued configuration with secure defaults and
// warns about explicitly insecure settings
func applyDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config)
	applySecurityDefaults(config, logger)
	return config
}

func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 3600 // 1 hour
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.IdentityTokenTTL == 0 {
		config.IdentityTokenTTL = 300 // 5 minutes
	}
	if config.DeviceCodeTTL == 0 {
		config.DeviceCodeTTL = 300 // 5 minutes
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// applySecurityDefaults distinguishes a fresh config (all security bools
// false) from an explicitly configured one: fresh configs get the secure
// defaults, explicit ones get warnings instead of silent changes
func applySecurityDefaults(config *Config, logger *slog.Logger) {
	isDefaultConfig := !config.RequirePKCE && !config.AllowPKCEPlain

	if isDefaultConfig {
		config.RequirePKCE = true
		config.AllowPKCEPlain = false
		return
	}

	if !config.RequirePKCE {
		logger.Warn("PKCE is not globally enforced",
			"risk", "Authorization code interception for clients registered without RequirePKCE",
			"recommendation", "Set RequirePKCE=true")
	}
	if config.AllowPKCEPlain {
		logger.Warn("Plain PKCE method is allowed",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256")
	}
}
