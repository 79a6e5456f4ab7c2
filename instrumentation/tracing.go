package instrumentation

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Common span attribute keys
//
// SECURITY WARNING: Never put actual credential values (authorization codes,
// refresh tokens, reference token handles, client secrets) into traces or
// metrics. Only record metadata such as grant types, client ids, and
// validation results. Traces are persisted, replicated, and readable by a
// wider audience than the stores they describe.
const (
	// Protocol attributes, metadata only
	AttrClientID         = "oauth.client_id"         // Client identifier (non-secret)
	AttrSubjectID        = "oauth.subject_id"        // Subject identifier (non-secret)
	AttrScope            = "oauth.scope"             // Requested scopes
	AttrGrantType        = "oauth.grant_type"        // OAuth grant type
	AttrPersistedType    = "oauth.persisted_type"    // Persisted grant type tag
	AttrPKCEMethod       = "oauth.pkce.method"       // PKCE method used (S256, plain)
	AttrGrantReuse       = "oauth.grant.reuse"       // Whether grant reuse was detected (boolean)
	AttrTokenRotated     = "oauth.token.rotated"     //nolint:gosec // Whether the refresh token was rotated (boolean)
	AttrTokenType        = "oauth.token_type"        //nolint:gosec // access_token or id_token, never the token itself
	AttrExpiresIn        = "oauth.expires_in"        // Token expiry duration
	AttrError            = "oauth.error"             // Error code
	AttrErrorDescription = "oauth.error_description" // Error description

	// Device flow attributes
	AttrDeviceFlowStatus = "oauth.device_flow.status"
	AttrPollInterval     = "oauth.device_flow.interval"

	// Storage attributes
	AttrStorageOperation = "storage.operation"
	AttrStorageResult    = "storage.result"
	AttrStorageType      = "storage.type"
)

// RecordError records an error on a span with proper status codes (nil-safe)
func RecordError(span trace.Span, err error) {
	if span != nil && err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

// SetSpanSuccess marks a span as successful (nil-safe)
func SetSpanSuccess(span trace.Span) {
	if span != nil {
		span.SetStatus(codes.Ok, "")
	}
}

// SetSpanError sets an error status on a span (nil-safe)
func SetSpanError(span trace.Span, message string) {
	if span != nil {
		span.SetStatus(codes.Error, message)
	}
}

// SetSpanAttributes sets attributes on a span (nil-safe)
func SetSpanAttributes(span trace.Span, attrs ...attribute.KeyValue) {
	if span != nil {
		span.SetAttributes(attrs...)
	}
}

// AddGrantAttributes adds common grant processing attributes to a span (nil-safe)
func AddGrantAttributes(span trace.Span, clientID, subjectID, grantType string) {
	if clientID != "" {
		SetSpanAttributes(span, attribute.String(AttrClientID, clientID))
	}
	if subjectID != "" {
		SetSpanAttributes(span, attribute.String(AttrSubjectID, subjectID))
	}
	if grantType != "" {
		SetSpanAttributes(span, attribute.String(AttrGrantType, grantType))
	}
}

// AddPKCEAttributes adds PKCE-related attributes to a span (nil-safe)
func AddPKCEAttributes(span trace.Span, method string) {
	if method != "" {
		SetSpanAttributes(span, attribute.String(AttrPKCEMethod, method))
	}
}

// AddStorageAttributes adds storage operation attributes to a span (nil-safe)
func AddStorageAttributes(span trace.Span, operation, storageType string) {
	SetSpanAttributes(span,
		attribute.String(AttrStorageOperation, operation),
		attribute.String(AttrStorageType, storageType),
	)
}
