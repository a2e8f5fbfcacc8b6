package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macsweep/control-plane/pkg/types"
)

func newUser(t *testing.T, username, password string, role types.Role) *types.User {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	return &types.User{
		ID:           uuid.New(),
		Username:     username,
		Email:        username + "@example.com",
		Role:         role,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    time.Now(),
	}
}

func TestUserStoreCreateAndGet(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()
	user := newUser(t, "alice", "s3cret", types.RoleOperator)

	require.NoError(t, store.Create(ctx, user))

	got, err := store.Get(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "alice", got.Username)

	byName, err := store.GetByUsername(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, user.ID, byName.ID)
}

func TestUserStoreUsernameUniqueness(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, newUser(t, "alice", "one", types.RoleViewer)))
	err := store.Create(ctx, newUser(t, "alice", "two", types.RoleViewer))
	assert.ErrorIs(t, err, ErrUsernameTaken)
}

func TestUserStoreUpdateRename(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()
	user := newUser(t, "alice", "pw", types.RoleViewer)
	require.NoError(t, store.Create(ctx, user))

	user.Username = "alicia"
	require.NoError(t, store.Update(ctx, user))

	_, err := store.GetByUsername(ctx, "alice")
	assert.ErrorIs(t, err, ErrUserNotFound)

	got, err := store.GetByUsername(ctx, "alicia")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
}

func TestUserStoreDelete(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()
	user := newUser(t, "bob", "pw", types.RoleViewer)
	require.NoError(t, store.Create(ctx, user))

	require.NoError(t, store.Delete(ctx, user.ID))
	_, err := store.Get(ctx, user.ID)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.ErrorIs(t, store.Delete(ctx, user.ID), ErrUserNotFound)
}

func TestAuthenticate(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()
	user := newUser(t, "carol", "correct-horse", types.RoleAdmin)
	require.NoError(t, store.Create(ctx, user))

	auth := NewAuthenticator(store)

	got, err := auth.Authenticate(ctx, "carol", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.NotNil(t, got.LastLoginAt)

	_, err = auth.Authenticate(ctx, "carol", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = auth.Authenticate(ctx, "nobody", "pw")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticateDisabledUser(t *testing.T) {
	store := NewInMemoryUserStore()
	ctx := context.Background()
	user := newUser(t, "dave", "pw", types.RoleViewer)
	user.Active = false
	require.NoError(t, store.Create(ctx, user))

	_, err := NewAuthenticator(store).Authenticate(ctx, "dave", "pw")
	assert.ErrorIs(t, err, ErrUserDisabled)
}
