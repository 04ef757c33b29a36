// Package recallerr defines the sentinel errors of the authorization
// subsystem. Every failure here reflects an invalid or expired
// credential, not a transient fault, so none of these are retryable;
// callers recover only by restarting the flow they were in.
package recallerr

import "errors"

// OAuth protocol errors. Handlers map these onto the JSON error codes of
// RFC 6749.
var (
	ErrInvalidRequest          = errors.New("malformed or missing parameter")
	ErrInvalidClient           = errors.New("unknown client")
	ErrInvalidRedirectURI      = errors.New("redirect_uri not registered for client")
	ErrUnsupportedGrantType    = errors.New("unsupported grant_type")
	ErrUnsupportedResponseType = errors.New("unsupported response_type")

	// ErrInvalidGrant covers expired, consumed, or unknown codes and
	// refresh tokens, client mismatches, and PKCE failures. They are
	// deliberately indistinguishable so the token endpoint is not an
	// oracle for which part of a stolen grant was wrong.
	ErrInvalidGrant = errors.New("invalid grant")
)

// Admission errors.
var (
	ErrInvalidToken = errors.New("invalid or expired bearer credential")
	ErrAccessDenied = errors.New("access denied")
)
