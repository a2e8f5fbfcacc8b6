package access

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/macsweep/control-plane/internal/auth/jwt"
	"github.com/macsweep/control-plane/pkg/types"
)

var (
	// ErrUnauthorized is returned when authentication is required and no
	// credentials were supplied.
	ErrUnauthorized = errors.New("authentication required")

	// ErrSessionExpired is returned when a cached session is no longer
	// valid.
	ErrSessionExpired = errors.New("session has expired")

	// ErrUserDisabled is returned when the authenticated user is inactive.
	ErrUserDisabled = errors.New("user is disabled")

	// ErrUserNotFound is returned when the token subject has no user
	// record.
	ErrUserNotFound = errors.New("user not found")

	// ErrForbidden is returned when an authenticated caller has no route
	// to the resource.
	ErrForbidden = errors.New("access to this resource is forbidden")
)

// PermissionError reports a missing permission (forbidden).
type PermissionError struct {
	Permission types.Permission
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("missing required permission: %s", e.Permission)
}

// PrivilegeError reports an insufficient role for the matched policy.
type PrivilegeError struct {
	Required types.Role
	Actual   types.Role
}

func (e *PrivilegeError) Error() string {
	return fmt.Sprintf("insufficient privileges: requires %s, have %s", e.Required, e.Actual)
}

// HTTPStatus maps an authorization error to its response status code.
func HTTPStatus(err error) int {
	var permErr *PermissionError
	var privErr *PrivilegeError
	var claimErr *jwt.ClaimError

	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrSessionExpired),
		errors.Is(err, jwt.ErrInvalidToken),
		errors.Is(err, jwt.ErrTokenExpired),
		errors.Is(err, jwt.ErrInvalidSignature),
		errors.Is(err, jwt.ErrDecodingFailed),
		errors.As(err, &claimErr):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUserDisabled),
		errors.Is(err, ErrForbidden),
		errors.As(err, &permErr),
		errors.As(err, &privErr):
		return http.StatusForbidden
	case errors.Is(err, ErrUserNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode maps an authorization error to the wire error code.
func ErrorCode(err error) string {
	switch HTTPStatus(err) {
	case http.StatusUnauthorized:
		return types.CodeUnauthorized
	case http.StatusForbidden:
		return types.CodeForbidden
	case http.StatusNotFound:
		return types.CodeNotFound
	default:
		return types.CodeServerError
	}
}
