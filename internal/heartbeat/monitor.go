// Package heartbeat tracks agent liveness and detects offline agents.
package heartbeat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

// historyCapacity bounds the per-agent heartbeat ring buffer.
const historyCapacity = 100

// HealthEvents is the observer interface the host registers to react to
// liveness transitions.
type HealthEvents interface {
	HeartbeatReceived(agentID uuid.UUID, status types.AgentStatus)
	HealthStatusChanged(agentID uuid.UUID, from, to types.HealthStatus)
	AgentCameOnline(agentID uuid.UUID)
	AgentWentOffline(agentID uuid.UUID, lastSeen time.Time)
}

// NopEvents discards all events.
type NopEvents struct{}

func (NopEvents) HeartbeatReceived(uuid.UUID, types.AgentStatus)                        {}
func (NopEvents) HealthStatusChanged(uuid.UUID, types.HealthStatus, types.HealthStatus) {}
func (NopEvents) AgentCameOnline(uuid.UUID)                                             {}
func (NopEvents) AgentWentOffline(uuid.UUID, time.Time)                                 {}

// Config configures the heartbeat monitor.
type Config struct {
	// ExpectedInterval is how often agents are told to report.
	ExpectedInterval time.Duration
	// MissedThreshold is how many intervals may elapse before an agent is
	// considered offline. The offline threshold is
	// ExpectedInterval * MissedThreshold.
	MissedThreshold int
	// CheckInterval is the background loop period.
	CheckInterval time.Duration
	// AutoRemoveStale removes agents past StaleTimeout on each tick.
	AutoRemoveStale bool
	// StaleTimeout is the cutoff handed to the registry when
	// AutoRemoveStale is set.
	StaleTimeout time.Duration
	Logger       *zap.Logger
}

// DefaultConfig returns the default monitor configuration.
func DefaultConfig() Config {
	return Config{
		ExpectedInterval: 60 * time.Second,
		MissedThreshold:  3,
		CheckInterval:    30 * time.Second,
		AutoRemoveStale:  false,
		StaleTimeout:     24 * time.Hour,
	}
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.ExpectedInterval <= 0 {
		c.ExpectedInterval = 60 * time.Second
	}
	if c.MissedThreshold < 1 {
		return fmt.Errorf("missed threshold must be at least 1, got %d", c.MissedThreshold)
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.AutoRemoveStale && c.StaleTimeout <= 0 {
		return fmt.Errorf("stale timeout must be positive when auto-remove is enabled")
	}
	return nil
}

// OfflineThreshold is how long an agent may stay silent before it is marked
// offline.
func (c *Config) OfflineThreshold() time.Duration {
	return c.ExpectedInterval * time.Duration(c.MissedThreshold)
}

// PendingWorkSource supplies the pending work lists returned in heartbeat
// responses. The distributor and command queue implement it.
type PendingWorkSource interface {
	PendingPolicies(agentID uuid.UUID) []string
	PendingCommands(agentID uuid.UUID) []string
}

// Monitor processes agent heartbeats and runs the offline-detection loop.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	registry *registry.Registry
	events   HealthEvents
	pending  PendingWorkSource
	history  map[uuid.UUID]*ring
	cancel   context.CancelFunc
	done     chan struct{}
	logger   *zap.Logger
}

// New creates a heartbeat monitor.
func New(cfg Config, reg *registry.Registry, events HealthEvents) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid heartbeat config: %w", err)
	}
	if reg == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if events == nil {
		events = NopEvents{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Monitor{
		cfg:      cfg,
		registry: reg,
		events:   events,
		history:  make(map[uuid.UUID]*ring),
		logger:   cfg.Logger,
	}, nil
}

// SetPendingWorkSource wires the source of pending policies and commands.
// Called once at startup, before requests arrive.
func (m *Monitor) SetPendingWorkSource(src PendingWorkSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = src
}

// ProcessHeartbeat ingests one agent heartbeat and returns the
// acknowledgement with any pending work.
func (m *Monitor) ProcessHeartbeat(ctx context.Context, agentID uuid.UUID, status types.AgentStatus) (*types.HeartbeatResponse, error) {
	agent, err := m.registry.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	previousHealth := types.HealthUnknown
	if agent.LatestStatus != nil {
		previousHealth = agent.LatestStatus.HealthStatus
	}
	previousState := agent.ConnectionState

	if err := m.registry.UpdateStatus(ctx, agentID, status); err != nil {
		return nil, err
	}

	now := time.Now()
	m.mu.Lock()
	h, ok := m.history[agentID]
	if !ok {
		h = newRing(historyCapacity)
		m.history[agentID] = h
	}
	h.push(now)
	pending := m.pending
	m.mu.Unlock()

	if previousHealth != status.HealthStatus {
		m.events.HealthStatusChanged(agentID, previousHealth, status.HealthStatus)
	}
	m.events.HeartbeatReceived(agentID, status)
	if previousState == types.ConnectionOffline {
		m.logger.Info("agent came back online", zap.String("agent_id", agentID.String()))
		m.events.AgentCameOnline(agentID)
	}

	resp := &types.HeartbeatResponse{
		Acknowledged:    true,
		ServerTime:      now,
		PendingPolicies: []string{},
		PendingCommands: []string{},
		NextHeartbeat:   m.cfg.ExpectedInterval,
	}
	if pending != nil {
		if p := pending.PendingPolicies(agentID); p != nil {
			resp.PendingPolicies = p
		}
		if c := pending.PendingCommands(agentID); c != nil {
			resp.PendingCommands = c
		}
	}
	return resp, nil
}

// Start launches the background offline-detection loop. Calling Start on a
// running monitor is a no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	go m.run(loopCtx, m.done)
	m.logger.Info("heartbeat monitor started",
		zap.Duration("check_interval", m.cfg.CheckInterval),
		zap.Duration("offline_threshold", m.cfg.OfflineThreshold()),
	)
}

// Stop cancels the background loop and waits for it to exit. Idempotent.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	done := m.done
	m.cancel = nil
	m.done = nil
	m.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	m.logger.Info("heartbeat monitor stopped")
}

func (m *Monitor) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckAgents(ctx)
		}
	}
}

// CheckAgents runs one offline-detection pass. Errors are logged and
// swallowed so the loop survives them.
func (m *Monitor) CheckAgents(ctx context.Context) {
	agents, err := m.registry.List(ctx)
	if err != nil {
		m.logger.Error("heartbeat check failed to list agents", zap.Error(err))
		return
	}

	now := time.Now()
	threshold := m.cfg.OfflineThreshold()
	for _, agent := range agents {
		if agent.ConnectionState != types.ConnectionActive || agent.LastHeartbeat == nil {
			continue
		}
		if now.Sub(*agent.LastHeartbeat) <= threshold {
			continue
		}
		id := agent.Identity.ID
		if err := m.registry.UpdateConnectionState(ctx, id, types.ConnectionOffline); err != nil {
			m.logger.Error("failed to mark agent offline",
				zap.String("agent_id", id.String()),
				zap.Error(err),
			)
			continue
		}
		m.logger.Warn("agent went offline",
			zap.String("agent_id", id.String()),
			zap.Time("last_heartbeat", *agent.LastHeartbeat),
		)
		m.events.AgentWentOffline(id, *agent.LastHeartbeat)
	}

	if m.cfg.AutoRemoveStale {
		removed, err := m.registry.RemoveStaleAgents(ctx, m.cfg.StaleTimeout)
		if err != nil {
			m.logger.Error("stale agent removal failed", zap.Error(err))
			return
		}
		if len(removed) > 0 {
			m.mu.Lock()
			for _, id := range removed {
				delete(m.history, id)
			}
			m.mu.Unlock()
			m.logger.Info("removed stale agents", zap.Int("count", len(removed)))
		}
	}
}

// AgentsAtRisk returns active agents whose silence exceeds
// expectedInterval*(missedThreshold-1) but has not yet crossed the offline
// threshold.
func (m *Monitor) AgentsAtRisk(ctx context.Context) ([]*types.RegisteredAgent, error) {
	agents, err := m.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	lower := m.cfg.ExpectedInterval * time.Duration(m.cfg.MissedThreshold-1)
	upper := m.cfg.OfflineThreshold()

	var atRisk []*types.RegisteredAgent
	for _, agent := range agents {
		if agent.ConnectionState != types.ConnectionActive || agent.LastHeartbeat == nil {
			continue
		}
		elapsed := now.Sub(*agent.LastHeartbeat)
		if elapsed > lower && elapsed < upper {
			atRisk = append(atRisk, agent)
		}
	}
	return atRisk, nil
}

// History returns the recorded heartbeat times for an agent, oldest first.
func (m *Monitor) History(agentID uuid.UUID) []time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[agentID]
	if !ok {
		return nil
	}
	return h.snapshot()
}

// Forget drops monitor-local state for an agent.
func (m *Monitor) Forget(agentID uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.history, agentID)
}

// Running reports whether the background loop is active.
func (m *Monitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

// ring is a fixed-capacity circular buffer of heartbeat timestamps.
type ring struct {
	buf   []time.Time
	start int
	count int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]time.Time, capacity)}
}

func (r *ring) push(t time.Time) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = t
		r.count++
		return
	}
	// Full: overwrite the oldest slot.
	r.buf[r.start] = t
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) snapshot() []time.Time {
	out := make([]time.Time, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}
