// Package server implements the grant and token protocol engine: client and
// resource authentication, authorization and token request validation, device
// authorization, introspection, revocation, end-session, and userinfo.
//
// The package is transport-agnostic. Hosts parse HTTP themselves and call the
// request operations with plain structs; every protocol violation comes back
// as a *tokensmith.OAuthError carrying the RFC error code and HTTP status.
package server
