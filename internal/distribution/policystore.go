package distribution

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/macsweep/control-plane/pkg/types"
)

var (
	// ErrPolicyNotFound is returned when no stored policy has the ID.
	ErrPolicyNotFound = errors.New("policy not found")

	// ErrPolicyNameTaken is returned when a policy name is already in use.
	ErrPolicyNameTaken = errors.New("policy name already in use")
)

// PolicyStore is the storage seam for cleanup policies.
type PolicyStore interface {
	Create(ctx context.Context, policy *types.CleanupPolicy) error
	Get(ctx context.Context, id uuid.UUID) (*types.CleanupPolicy, error)
	GetByName(ctx context.Context, name string) (*types.CleanupPolicy, error)
	Update(ctx context.Context, policy *types.CleanupPolicy) error
	Delete(ctx context.Context, id uuid.UUID) error
	List(ctx context.Context) ([]*types.CleanupPolicy, error)
}

// InMemoryPolicyStore keeps policies in a map with a name uniqueness index.
type InMemoryPolicyStore struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*types.CleanupPolicy
	byName map[string]uuid.UUID
}

// NewInMemoryPolicyStore creates an empty policy store.
func NewInMemoryPolicyStore() *InMemoryPolicyStore {
	return &InMemoryPolicyStore{
		byID:   make(map[uuid.UUID]*types.CleanupPolicy),
		byName: make(map[string]uuid.UUID),
	}
}

// Create stores a new policy, assigning an ID and timestamps when missing.
func (s *InMemoryPolicyStore) Create(ctx context.Context, policy *types.CleanupPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byName[policy.Name]; taken {
		return ErrPolicyNameTaken
	}
	if policy.ID == uuid.Nil {
		policy.ID = uuid.New()
	}
	now := time.Now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	cp := clonePolicy(policy)
	s.byID[policy.ID] = cp
	s.byName[policy.Name] = policy.ID
	return nil
}

// Get returns the policy with the ID.
func (s *InMemoryPolicyStore) Get(ctx context.Context, id uuid.UUID) (*types.CleanupPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.byID[id]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(p), nil
}

// GetByName returns the policy with the name.
func (s *InMemoryPolicyStore) GetByName(ctx context.Context, name string) (*types.CleanupPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, ErrPolicyNotFound
	}
	return clonePolicy(s.byID[id]), nil
}

// Update replaces a stored policy, keeping the name index consistent.
func (s *InMemoryPolicyStore) Update(ctx context.Context, policy *types.CleanupPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byID[policy.ID]
	if !ok {
		return ErrPolicyNotFound
	}
	if existing.Name != policy.Name {
		if _, taken := s.byName[policy.Name]; taken {
			return ErrPolicyNameTaken
		}
		delete(s.byName, existing.Name)
		s.byName[policy.Name] = policy.ID
	}
	policy.CreatedAt = existing.CreatedAt
	policy.UpdatedAt = time.Now()
	s.byID[policy.ID] = clonePolicy(policy)
	return nil
}

// Delete removes a policy.
func (s *InMemoryPolicyStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.byID[id]
	if !ok {
		return ErrPolicyNotFound
	}
	delete(s.byName, p.Name)
	delete(s.byID, id)
	return nil
}

// List returns every stored policy.
func (s *InMemoryPolicyStore) List(ctx context.Context) ([]*types.CleanupPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.CleanupPolicy, 0, len(s.byID))
	for _, p := range s.byID {
		out = append(out, clonePolicy(p))
	}
	return out, nil
}

func clonePolicy(p *types.CleanupPolicy) *types.CleanupPolicy {
	cp := *p
	cp.Payload = append([]byte(nil), p.Payload...)
	return &cp
}
