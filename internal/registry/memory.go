package registry

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/macsweep/control-plane/pkg/types"
)

// InMemoryStore is a mutex-guarded map of agent records. Records are copied
// on the way in and out so callers never share registry state.
type InMemoryStore struct {
	mu     sync.RWMutex
	agents map[uuid.UUID]*types.RegisteredAgent
}

// NewInMemoryStore creates an empty agent store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		agents: make(map[uuid.UUID]*types.RegisteredAgent),
	}
}

// Save inserts or replaces an agent record.
func (s *InMemoryStore) Save(ctx context.Context, agent *types.RegisteredAgent) error {
	if agent == nil {
		return errors.New("agent cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[agent.Identity.ID] = agent.Clone()
	return nil
}

// Get retrieves an agent by ID.
func (s *InMemoryStore) Get(ctx context.Context, id uuid.UUID) (*types.RegisteredAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, exists := s.agents[id]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return agent.Clone(), nil
}

// Delete removes an agent record.
func (s *InMemoryStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; !exists {
		return ErrAgentNotFound
	}
	delete(s.agents, id)
	return nil
}

// List returns all agent records.
func (s *InMemoryStore) List(ctx context.Context) ([]*types.RegisteredAgent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agents := make([]*types.RegisteredAgent, 0, len(s.agents))
	for _, a := range s.agents {
		agents = append(agents, a.Clone())
	}
	return agents, nil
}

// Count returns the number of stored agents.
func (s *InMemoryStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.agents), nil
}
