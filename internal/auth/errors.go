package auth

import "errors"

// Sentinel errors for the auth package. Verify never returns verifier internals; callers map these onto coarse
// client-facing error frames.
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("token is malformed or has a bad signature")
	ErrUnauthorized = errors.New("token does not carry a usable identity")
)
