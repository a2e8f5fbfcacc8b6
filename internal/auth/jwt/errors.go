package jwt

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken is returned for malformed, revoked, or not-yet-valid
	// tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrInvalidSignature is returned when the HMAC does not verify.
	ErrInvalidSignature = errors.New("invalid token signature")

	// ErrDecodingFailed is returned when the claims segment is not valid
	// JSON.
	ErrDecodingFailed = errors.New("token claims decoding failed")

	// ErrTokenExpired is returned when exp is at or before now.
	ErrTokenExpired = errors.New("token has expired")
)

// ClaimError reports a standard claim that failed validation (iss, aud).
type ClaimError struct {
	Claim    string
	Expected string
	Actual   string
}

func (e *ClaimError) Error() string {
	return fmt.Sprintf("invalid %s claim: expected %q, got %q", e.Claim, e.Expected, e.Actual)
}

// NewClaimError creates a ClaimError for the named claim.
func NewClaimError(claim, expected, actual string) *ClaimError {
	return &ClaimError{Claim: claim, Expected: expected, Actual: actual}
}
