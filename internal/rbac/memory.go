package rbac

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/macsweep/control-plane/pkg/types"
)

// InMemoryUserStore is a mutex-guarded map of users with a username index.
type InMemoryUserStore struct {
	mu         sync.RWMutex
	users      map[uuid.UUID]*types.User
	byUsername map[string]uuid.UUID
}

// NewInMemoryUserStore creates an empty user store.
func NewInMemoryUserStore() *InMemoryUserStore {
	return &InMemoryUserStore{
		users:      make(map[uuid.UUID]*types.User),
		byUsername: make(map[string]uuid.UUID),
	}
}

// Create stores a new user. Usernames are unique.
func (s *InMemoryUserStore) Create(ctx context.Context, user *types.User) error {
	if user == nil {
		return errors.New("user cannot be nil")
	}
	if user.Username == "" {
		return errors.New("username is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byUsername[user.Username]; exists {
		return ErrUsernameTaken
	}

	cp := *user
	s.users[user.ID] = &cp
	s.byUsername[user.Username] = user.ID
	return nil
}

// Get retrieves a user by ID.
func (s *InMemoryUserStore) Get(ctx context.Context, id uuid.UUID) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, exists := s.users[id]
	if !exists {
		return nil, ErrUserNotFound
	}
	cp := *user
	return &cp, nil
}

// GetByUsername retrieves a user by username.
func (s *InMemoryUserStore) GetByUsername(ctx context.Context, username string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, exists := s.byUsername[username]
	if !exists {
		return nil, ErrUserNotFound
	}
	cp := *s.users[id]
	return &cp, nil
}

// Update replaces an existing user record.
func (s *InMemoryUserStore) Update(ctx context.Context, user *types.User) error {
	if user == nil {
		return errors.New("user cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.users[user.ID]
	if !exists {
		return ErrUserNotFound
	}

	// Keep the username index consistent on rename.
	if existing.Username != user.Username {
		if _, taken := s.byUsername[user.Username]; taken {
			return ErrUsernameTaken
		}
		delete(s.byUsername, existing.Username)
		s.byUsername[user.Username] = user.ID
	}

	cp := *user
	s.users[user.ID] = &cp
	return nil
}

// Delete removes a user.
func (s *InMemoryUserStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, exists := s.users[id]
	if !exists {
		return ErrUserNotFound
	}
	delete(s.byUsername, user.Username)
	delete(s.users, id)
	return nil
}

// List returns all users.
func (s *InMemoryUserStore) List(ctx context.Context) ([]*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]*types.User, 0, len(s.users))
	for _, u := range s.users {
		cp := *u
		users = append(users, &cp)
	}
	return users, nil
}

// Authenticator verifies username/password pairs against a UserStore.
type Authenticator struct {
	store UserStore
}

// NewAuthenticator creates an authenticator over the given store.
func NewAuthenticator(store UserStore) *Authenticator {
	return &Authenticator{store: store}
}

// Authenticate verifies the password and stamps LastLoginAt on success.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (*types.User, error) {
	user, err := a.store.GetByUsername(ctx, username)
	if err != nil {
		return nil, ErrInvalidCredentials
	}
	if !user.Active {
		return nil, ErrUserDisabled
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := time.Now()
	user.LastLoginAt = &now
	if err := a.store.Update(ctx, user); err != nil {
		return nil, err
	}
	return user, nil
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
