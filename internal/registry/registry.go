package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/pkg/types"
)

// Config configures the agent registry.
type Config struct {
	MaxAgents           int
	AllowReregistration bool
	TokenTTL            time.Duration
	Logger              *zap.Logger
}

// DefaultConfig returns the default registry configuration.
func DefaultConfig() Config {
	return Config{
		MaxAgents:           1000,
		AllowReregistration: true,
		TokenTTL:            30 * 24 * time.Hour,
	}
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.MaxAgents <= 0 {
		c.MaxAgents = 1000
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 30 * 24 * time.Hour
	}
	return nil
}

// Registry is the single-writer domain owning all RegisteredAgent records.
// Every mutation is serialized behind its mutex; the opaque-token index is
// maintained alongside the store.
type Registry struct {
	mu      sync.Mutex
	cfg     Config
	store   Store
	byToken map[string]uuid.UUID
	logger  *zap.Logger
}

// New creates a registry over the given store. The token index is rebuilt
// from the store's current contents.
func New(cfg Config, store Store) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	r := &Registry{
		cfg:     cfg,
		store:   store,
		byToken: make(map[string]uuid.UUID),
		logger:  cfg.Logger,
	}

	agents, err := store.List(context.Background())
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for _, a := range agents {
		if a.AuthToken != "" {
			r.byToken[a.AuthToken] = a.Identity.ID
		}
	}
	return r, nil
}

// Register adds an agent to the fleet and issues its opaque token. A fresh
// registration starts pending; the first heartbeat moves it to active. When
// the identity is already registered and re-registration is allowed, the old
// record is replaced atomically: connection state reset to active, a fresh
// token issued, and the heartbeat stamped.
func (r *Registry) Register(ctx context.Context, identity types.AgentIdentity, capabilities []string) (*types.RegisteredAgent, error) {
	if err := identity.Validate(); err != nil {
		return nil, fmt.Errorf("invalid agent identity: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, err := r.store.Get(ctx, identity.ID)
	reregistering := err == nil

	if reregistering && !r.cfg.AllowReregistration {
		return nil, fmt.Errorf("%w: %s", ErrAgentAlreadyRegistered, identity.ID)
	}
	if !reregistering {
		count, err := r.store.Count(ctx)
		if err != nil {
			return nil, fmt.Errorf("count agents: %w", err)
		}
		if count >= r.cfg.MaxAgents {
			return nil, ErrMaxAgentsReached
		}
	}

	token, err := generateAgentToken()
	if err != nil {
		return nil, fmt.Errorf("generate agent token: %w", err)
	}

	now := time.Now()
	agent := &types.RegisteredAgent{
		Identity:        identity,
		AuthToken:       token,
		TokenExpiresAt:  now.Add(r.cfg.TokenTTL),
		Capabilities:    append([]string(nil), capabilities...),
		ConnectionState: types.ConnectionPending,
		RegisteredAt:    now,
	}
	agent.Identity.RegisteredAt = now

	if reregistering {
		agent.ConnectionState = types.ConnectionActive
		agent.RegisteredAt = existing.RegisteredAt
		agent.Identity.RegisteredAt = existing.Identity.RegisteredAt
		agent.LastHeartbeat = &now
		delete(r.byToken, existing.AuthToken)
	}

	if err := r.store.Save(ctx, agent); err != nil {
		return nil, fmt.Errorf("save agent: %w", err)
	}
	r.byToken[token] = identity.ID

	r.logger.Info("agent registered",
		zap.String("agent_id", identity.ID.String()),
		zap.String("hostname", identity.Hostname),
		zap.Bool("reregistered", reregistering),
	)
	return agent.Clone(), nil
}

// Unregister removes an agent from the fleet.
func (r *Registry) Unregister(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return err
	}
	delete(r.byToken, agent.AuthToken)

	r.logger.Info("agent unregistered", zap.String("agent_id", id.String()))
	return nil
}

// Get retrieves an agent by ID.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*types.RegisteredAgent, error) {
	return r.store.Get(ctx, id)
}

// GetByToken retrieves an agent by its opaque token.
func (r *Registry) GetByToken(ctx context.Context, token string) (*types.RegisteredAgent, error) {
	r.mu.Lock()
	id, exists := r.byToken[token]
	r.mu.Unlock()
	if !exists {
		return nil, ErrInvalidAgentToken
	}
	return r.store.Get(ctx, id)
}

// List returns all registered agents.
func (r *Registry) List(ctx context.Context) ([]*types.RegisteredAgent, error) {
	return r.store.List(ctx)
}

// ListByCapability returns agents advertising the capability.
func (r *Registry) ListByCapability(ctx context.Context, capability string) ([]*types.RegisteredAgent, error) {
	return r.listWhere(ctx, func(a *types.RegisteredAgent) bool {
		return a.HasCapability(capability)
	})
}

// ListByTag returns agents carrying the tag.
func (r *Registry) ListByTag(ctx context.Context, tag string) ([]*types.RegisteredAgent, error) {
	return r.listWhere(ctx, func(a *types.RegisteredAgent) bool {
		return a.Identity.HasTag(tag)
	})
}

// ListByState returns agents in the given connection state.
func (r *Registry) ListByState(ctx context.Context, state types.ConnectionState) ([]*types.RegisteredAgent, error) {
	return r.listWhere(ctx, func(a *types.RegisteredAgent) bool {
		return a.ConnectionState == state
	})
}

func (r *Registry) listWhere(ctx context.Context, keep func(*types.RegisteredAgent) bool) ([]*types.RegisteredAgent, error) {
	all, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	matched := make([]*types.RegisteredAgent, 0, len(all))
	for _, a := range all {
		if keep(a) {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// UpdateStatus records a status report: latest status replaced, heartbeat
// stamped, and connection state marked active, atomically.
func (r *Registry) UpdateStatus(ctx context.Context, id uuid.UUID, status types.AgentStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}

	now := time.Now()
	status.AgentID = id
	agent.LatestStatus = &status
	agent.LastHeartbeat = &now
	agent.ConnectionState = types.ConnectionActive

	return r.store.Save(ctx, agent)
}

// UpdateConnectionState sets the connection state without touching the
// heartbeat timestamp.
func (r *Registry) UpdateConnectionState(ctx context.Context, id uuid.UUID, state types.ConnectionState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, id)
	if err != nil {
		return err
	}
	agent.ConnectionState = state
	return r.store.Save(ctx, agent)
}

// ValidateToken resolves an opaque token to the agent it belongs to.
func (r *Registry) ValidateToken(ctx context.Context, token string) (uuid.UUID, error) {
	agent, err := r.GetByToken(ctx, token)
	if err != nil {
		return uuid.Nil, err
	}
	if time.Now().After(agent.TokenExpiresAt) {
		return uuid.Nil, ErrInvalidAgentToken
	}
	return agent.Identity.ID, nil
}

// RefreshToken issues a fresh opaque token for an agent, invalidating the
// previous one.
func (r *Registry) RefreshToken(ctx context.Context, id uuid.UUID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, err := r.store.Get(ctx, id)
	if err != nil {
		return "", err
	}

	token, err := generateAgentToken()
	if err != nil {
		return "", fmt.Errorf("generate agent token: %w", err)
	}

	delete(r.byToken, agent.AuthToken)
	agent.AuthToken = token
	agent.TokenExpiresAt = time.Now().Add(r.cfg.TokenTTL)
	if err := r.store.Save(ctx, agent); err != nil {
		return "", err
	}
	r.byToken[token] = id
	return token, nil
}

// RemoveStaleAgents removes every agent that has never sent a heartbeat and
// was registered more than timeout ago, or whose last heartbeat is older
// than timeout. Returns the removed IDs.
func (r *Registry) RemoveStaleAgents(ctx context.Context, timeout time.Duration) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var removed []uuid.UUID
	for _, a := range agents {
		stale := false
		if a.LastHeartbeat == nil {
			stale = now.Sub(a.RegisteredAt) > timeout
		} else {
			stale = a.LastHeartbeat.Before(now.Add(-timeout))
		}
		if !stale {
			continue
		}
		if err := r.store.Delete(ctx, a.Identity.ID); err != nil {
			return removed, err
		}
		delete(r.byToken, a.AuthToken)
		removed = append(removed, a.Identity.ID)
	}

	if len(removed) > 0 {
		r.logger.Info("removed stale agents",
			zap.Int("count", len(removed)),
			zap.Duration("timeout", timeout),
		)
	}
	return removed, nil
}

// Statistics summarizes the fleet by connection state and health.
func (r *Registry) Statistics(ctx context.Context) (*types.RegistryStatistics, error) {
	agents, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &types.RegistryStatistics{
		TotalAgents: len(agents),
		ByState:     make(map[types.ConnectionState]int),
		ByHealth:    make(map[types.HealthStatus]int),
	}
	for _, a := range agents {
		stats.ByState[a.ConnectionState]++
		if a.LatestStatus != nil {
			stats.ByHealth[a.LatestStatus.HealthStatus]++
		} else {
			stats.ByHealth[types.HealthUnknown]++
		}
		if a.LastHeartbeat != nil {
			stats.WithHeartbeat++
		}
	}
	return stats, nil
}

// Count returns the number of registered agents.
func (r *Registry) Count(ctx context.Context) (int, error) {
	return r.store.Count(ctx)
}

// generateAgentToken produces the opaque 32-byte credential agents present
// on agent-side endpoints.
func generateAgentToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
