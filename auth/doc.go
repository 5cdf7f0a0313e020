// Package auth authenticates the bearer tokens presented to the SSE and
// message endpoints.
//
// An Authenticator validates an incoming bearer token string and returns a
// UserInfo (or an error). The transport is responsible for extracting the
// token from the HTTP request and mapping sentinel errors into HTTP
// challenges.
//
// # Shared secret
//
// SharedSecret accepts the configured secret itself, compared in constant
// time, and HS256 JWTs signed with it. The secret comes from a SecretSource:
// StaticSecret for a value from the environment, or SecretFile, which reloads
// the value whenever the file on disk changes so the secret can be rotated
// without a restart.
//
// # Access tokens
//
// NewJWKS validates JWTs against a statically configured JWKS endpoint.
// NewOIDC uses OpenID Connect discovery to locate the issuer's keys and
// validates RFC 9068 access tokens, optionally enforcing scopes.
//
// Chain combines several authenticators; the first to accept a token wins.
//
// # Errors
//
// ErrUnauthorized signals the token is invalid (signature, expiry, audience,
// etc.). ErrInsufficientScope signals successful authentication but missing
// required scope(s).
package auth
