package auth

import "errors"

// Sentinel errors returned by the auth resolver. Callers should use
// errors.Is for comparison.
var (
	// ErrTokenExpired is returned when a bearer token's exp has passed.
	ErrTokenExpired = errors.New("auth: token expired")

	// ErrTokenInvalid is returned when a token cannot be parsed or its
	// signature cannot be verified against the remote key set.
	ErrTokenInvalid = errors.New("auth: token invalid")

	// ErrTokenRevoked is returned when the revocation store holds a row for
	// the token's hash.
	ErrTokenRevoked = errors.New("auth: token revoked")

	// ErrNoToken is returned when the handshake carries no bearer token and
	// dev-mode bypass is not enabled.
	ErrNoToken = errors.New("auth: no bearer token supplied")
)
