// Package registry maintains the authoritative record of registered agents.
package registry

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/macsweep/control-plane/pkg/types"
)

var (
	// ErrAgentNotFound is returned when an agent lookup misses.
	ErrAgentNotFound = errors.New("agent not found")

	// ErrAgentAlreadyRegistered is returned when an identity re-registers
	// and re-registration is disabled.
	ErrAgentAlreadyRegistered = errors.New("agent already registered")

	// ErrMaxAgentsReached is returned when the fleet is at capacity.
	ErrMaxAgentsReached = errors.New("maximum number of agents reached")

	// ErrInvalidAgentToken is returned when an opaque token does not match
	// any agent or has expired.
	ErrInvalidAgentToken = errors.New("invalid agent token")
)

// Store is the storage seam for agent records. The reference implementation
// is in-memory; durable backends implement the same interface.
type Store interface {
	// Save inserts or replaces an agent record.
	Save(ctx context.Context, agent *types.RegisteredAgent) error

	// Get retrieves an agent by ID.
	Get(ctx context.Context, id uuid.UUID) (*types.RegisteredAgent, error)

	// Delete removes an agent record.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns all agent records.
	List(ctx context.Context) ([]*types.RegisteredAgent, error)

	// Count returns the number of stored agents.
	Count(ctx context.Context) (int, error)
}
