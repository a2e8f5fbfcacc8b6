// Package rbac provides user records and role-based permission checks.
package rbac

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/macsweep/control-plane/pkg/types"
)

var (
	// ErrUserNotFound is returned when a user lookup misses.
	ErrUserNotFound = errors.New("user not found")

	// ErrUsernameTaken is returned when a username is already registered.
	ErrUsernameTaken = errors.New("username already taken")

	// ErrUserDisabled is returned when a disabled user authenticates.
	ErrUserDisabled = errors.New("user is disabled")

	// ErrInvalidCredentials is returned on a bad username/password pair.
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// UserStore is the storage seam for user records. The reference
// implementation is in-memory; durable backends implement the same
// interface.
type UserStore interface {
	// Create stores a new user. Usernames are unique.
	Create(ctx context.Context, user *types.User) error

	// Get retrieves a user by ID.
	Get(ctx context.Context, id uuid.UUID) (*types.User, error)

	// GetByUsername retrieves a user by username.
	GetByUsername(ctx context.Context, username string) (*types.User, error)

	// Update replaces an existing user record.
	Update(ctx context.Context, user *types.User) error

	// Delete removes a user.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns all users.
	List(ctx context.Context) ([]*types.User, error)
}
