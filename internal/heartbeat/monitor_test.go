package heartbeat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

type eventLog struct {
	mu            sync.Mutex
	heartbeats    int
	healthChanges []types.HealthStatus
	cameOnline    []uuid.UUID
	wentOffline   []uuid.UUID
}

func (e *eventLog) HeartbeatReceived(uuid.UUID, types.AgentStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.heartbeats++
}

func (e *eventLog) HealthStatusChanged(_ uuid.UUID, _, to types.HealthStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthChanges = append(e.healthChanges, to)
}

func (e *eventLog) AgentCameOnline(id uuid.UUID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cameOnline = append(e.cameOnline, id)
}

func (e *eventLog) AgentWentOffline(id uuid.UUID, _ time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.wentOffline = append(e.wentOffline, id)
}

func (e *eventLog) snapshot() eventLog {
	e.mu.Lock()
	defer e.mu.Unlock()
	return eventLog{
		heartbeats:    e.heartbeats,
		healthChanges: append([]types.HealthStatus(nil), e.healthChanges...),
		cameOnline:    append([]uuid.UUID(nil), e.cameOnline...),
		wentOffline:   append([]uuid.UUID(nil), e.wentOffline...),
	}
}

type staticWork struct {
	policies []string
}

func (s *staticWork) PendingPolicies(uuid.UUID) []string { return s.policies }
func (s *staticWork) PendingCommands(uuid.UUID) []string { return nil }

func newMonitor(t *testing.T, cfg Config, events HealthEvents) (*Monitor, *registry.Registry) {
	t.Helper()
	reg, err := registry.New(registry.DefaultConfig(), registry.NewInMemoryStore())
	require.NoError(t, err)
	m, err := New(cfg, reg, events)
	require.NoError(t, err)
	return m, reg
}

func registerAgent(t *testing.T, reg *registry.Registry) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := reg.Register(context.Background(), types.AgentIdentity{
		ID:         id,
		Hostname:   "mac-test",
		OSVersion:  "14.5",
		AppVersion: "2.1.0",
	}, nil)
	require.NoError(t, err)
	return id
}

func TestProcessHeartbeat(t *testing.T) {
	events := &eventLog{}
	m, reg := newMonitor(t, DefaultConfig(), events)
	ctx := context.Background()
	id := registerAgent(t, reg)

	resp, err := m.ProcessHeartbeat(ctx, id, types.AgentStatus{HealthStatus: types.HealthHealthy})
	require.NoError(t, err)
	assert.True(t, resp.Acknowledged)
	assert.Equal(t, 60*time.Second, resp.NextHeartbeat)
	assert.NotNil(t, resp.PendingPolicies)
	assert.Empty(t, resp.PendingPolicies)

	agent, err := reg.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, agent.LastHeartbeat)
	assert.Len(t, m.History(id), 1)

	got := events.snapshot()
	assert.Equal(t, 1, got.heartbeats)
	assert.Equal(t, []types.HealthStatus{types.HealthHealthy}, got.healthChanges)

	_, err = m.ProcessHeartbeat(ctx, uuid.New(), types.AgentStatus{})
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestProcessHeartbeatReturnsPendingWork(t *testing.T) {
	m, reg := newMonitor(t, DefaultConfig(), nil)
	m.SetPendingWorkSource(&staticWork{policies: []string{"downloads-cleanup"}})
	id := registerAgent(t, reg)

	resp, err := m.ProcessHeartbeat(context.Background(), id, types.AgentStatus{})
	require.NoError(t, err)
	assert.Equal(t, []string{"downloads-cleanup"}, resp.PendingPolicies)
	assert.Empty(t, resp.PendingCommands)
}

func TestHealthChangeFiresOnce(t *testing.T) {
	events := &eventLog{}
	m, reg := newMonitor(t, DefaultConfig(), events)
	ctx := context.Background()
	id := registerAgent(t, reg)

	for i := 0; i < 3; i++ {
		_, err := m.ProcessHeartbeat(ctx, id, types.AgentStatus{HealthStatus: types.HealthHealthy})
		require.NoError(t, err)
	}
	_, err := m.ProcessHeartbeat(ctx, id, types.AgentStatus{HealthStatus: types.HealthWarning})
	require.NoError(t, err)

	got := events.snapshot()
	// unknown->healthy once, then healthy->warning once.
	assert.Equal(t, []types.HealthStatus{types.HealthHealthy, types.HealthWarning}, got.healthChanges)
}

func TestOfflineDetectionAndRecovery(t *testing.T) {
	events := &eventLog{}
	cfg := DefaultConfig()
	cfg.ExpectedInterval = 20 * time.Millisecond
	cfg.MissedThreshold = 2
	m, reg := newMonitor(t, cfg, events)
	ctx := context.Background()
	id := registerAgent(t, reg)

	_, err := m.ProcessHeartbeat(ctx, id, types.AgentStatus{HealthStatus: types.HealthHealthy})
	require.NoError(t, err)

	// Within the threshold nothing happens.
	m.CheckAgents(ctx)
	assert.Empty(t, events.snapshot().wentOffline)

	time.Sleep(3 * cfg.OfflineThreshold() / 2)
	m.CheckAgents(ctx)

	got := events.snapshot()
	require.Equal(t, []uuid.UUID{id}, got.wentOffline)
	agent, err := reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionOffline, agent.ConnectionState)

	// A second pass does not re-report an already offline agent.
	m.CheckAgents(ctx)
	assert.Len(t, events.snapshot().wentOffline, 1)

	// The next heartbeat brings it back exactly once.
	_, err = m.ProcessHeartbeat(ctx, id, types.AgentStatus{HealthStatus: types.HealthHealthy})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{id}, events.snapshot().cameOnline)

	agent, err = reg.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionActive, agent.ConnectionState)
}

func TestAutoRemoveStalePrunesHistory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpectedInterval = 5 * time.Millisecond
	cfg.MissedThreshold = 1
	cfg.AutoRemoveStale = true
	cfg.StaleTimeout = 10 * time.Millisecond
	m, reg := newMonitor(t, cfg, nil)
	ctx := context.Background()
	id := registerAgent(t, reg)

	_, err := m.ProcessHeartbeat(ctx, id, types.AgentStatus{})
	require.NoError(t, err)
	require.Len(t, m.History(id), 1)

	time.Sleep(30 * time.Millisecond)
	m.CheckAgents(ctx)

	_, err = reg.Get(ctx, id)
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
	assert.Nil(t, m.History(id))
}

func TestAgentsAtRisk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ExpectedInterval = 50 * time.Millisecond
	cfg.MissedThreshold = 3
	m, reg := newMonitor(t, cfg, nil)
	ctx := context.Background()

	quiet := registerAgent(t, reg)
	fresh := registerAgent(t, reg)

	_, err := m.ProcessHeartbeat(ctx, quiet, types.AgentStatus{})
	require.NoError(t, err)

	// Silence of ~120ms sits between the warning bound (100ms) and the
	// offline threshold (150ms).
	time.Sleep(120 * time.Millisecond)
	_, err = m.ProcessHeartbeat(ctx, fresh, types.AgentStatus{})
	require.NoError(t, err)

	atRisk, err := m.AgentsAtRisk(ctx)
	require.NoError(t, err)
	require.Len(t, atRisk, 1)
	assert.Equal(t, quiet, atRisk[0].Identity.ID)
}

func TestHistoryIsBounded(t *testing.T) {
	m, reg := newMonitor(t, DefaultConfig(), nil)
	ctx := context.Background()
	id := registerAgent(t, reg)

	for i := 0; i < historyCapacity+10; i++ {
		_, err := m.ProcessHeartbeat(ctx, id, types.AgentStatus{})
		require.NoError(t, err)
	}

	history := m.History(id)
	require.Len(t, history, historyCapacity)
	for i := 1; i < len(history); i++ {
		assert.False(t, history[i].Before(history[i-1]), "history must be oldest first")
	}

	m.Forget(id)
	assert.Nil(t, m.History(id))
}

func TestStartStopIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CheckInterval = 5 * time.Millisecond
	m, _ := newMonitor(t, cfg, nil)
	ctx := context.Background()

	assert.False(t, m.Running())
	m.Start(ctx)
	m.Start(ctx)
	assert.True(t, m.Running())

	time.Sleep(20 * time.Millisecond)

	m.Stop()
	assert.False(t, m.Running())
	m.Stop()
}

func TestConfigValidation(t *testing.T) {
	cfg := Config{MissedThreshold: 0}
	_, err := New(cfg, nil, nil)
	assert.Error(t, err)

	cfg = Config{MissedThreshold: 2, AutoRemoveStale: true}
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3*time.Minute, cfg.OfflineThreshold())
}
