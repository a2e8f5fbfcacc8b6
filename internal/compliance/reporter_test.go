package compliance

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macsweep/control-plane/internal/audit"
	"github.com/macsweep/control-plane/internal/distribution"
	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

type fixture struct {
	reporter    *Reporter
	registry    *registry.Registry
	distributor *distribution.Distributor
	agentLog    *audit.AgentLog
}

func newFixture(t *testing.T, mutate func(*Config)) *fixture {
	t.Helper()
	reg, err := registry.New(registry.DefaultConfig(), registry.NewInMemoryStore())
	require.NoError(t, err)
	dist, err := distribution.New(distribution.DefaultConfig(), reg, nil)
	require.NoError(t, err)
	agentLog := audit.NewAgentLog(audit.AgentLogConfig{})

	cfg := DefaultConfig()
	cfg.ScoreCacheTTL = 0
	if mutate != nil {
		mutate(&cfg)
	}
	reporter, err := New(cfg, reg, dist, agentLog)
	require.NoError(t, err)
	return &fixture{reporter: reporter, registry: reg, distributor: dist, agentLog: agentLog}
}

func (f *fixture) addAgent(t *testing.T, hostname string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	_, err := f.registry.Register(context.Background(), types.AgentIdentity{
		ID:         id,
		Hostname:   hostname,
		OSVersion:  "14.5",
		AppVersion: "2.1.0",
	}, nil)
	require.NoError(t, err)
	return id
}

func heartbeatAge(age time.Duration) *time.Time {
	t := time.Now().Add(-age)
	return &t
}

func TestScoreAgent(t *testing.T) {
	f := newFixture(t, nil)

	status := func(health types.HealthStatus) *types.AgentStatus {
		return &types.AgentStatus{HealthStatus: health}
	}

	tests := []struct {
		name        string
		agent       types.RegisteredAgent
		wantOverall float64
		wantLevel   types.ComplianceLevel
	}{
		{
			name: "healthy active fresh heartbeat",
			agent: types.RegisteredAgent{
				ConnectionState: types.ConnectionActive,
				LatestStatus:    status(types.HealthHealthy),
				LastHeartbeat:   heartbeatAge(10 * time.Second),
			},
			wantOverall: 100,
			wantLevel:   types.ComplianceCompliant,
		},
		{
			name: "critical health",
			agent: types.RegisteredAgent{
				ConnectionState: types.ConnectionActive,
				LatestStatus:    status(types.HealthCritical),
				LastHeartbeat:   heartbeatAge(10 * time.Second),
			},
			// 0.4*100 + 0.3*30 + 0.3*100
			wantOverall: 79,
			wantLevel:   types.CompliancePartial,
		},
		{
			name: "no status yet",
			agent: types.RegisteredAgent{
				ConnectionState: types.ConnectionActive,
			},
			// 0.4*50 + 0.3*50 + 0.3*80
			wantOverall: 59,
			wantLevel:   types.ComplianceNonCompliant,
		},
		{
			name: "offline",
			agent: types.RegisteredAgent{
				ConnectionState: types.ConnectionOffline,
				LatestStatus:    status(types.HealthHealthy),
				LastHeartbeat:   heartbeatAge(time.Hour),
			},
			// 0.4*100 + 0.3*100 + 0.3*30
			wantOverall: 79,
			wantLevel:   types.CompliancePartial,
		},
		{
			name: "rejected gets zero connectivity",
			agent: types.RegisteredAgent{
				ConnectionState: types.ConnectionRejected,
			},
			// 0.4*50 + 0.3*50 + 0.3*0
			wantOverall: 35,
			wantLevel:   types.ComplianceCritical,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.agent.Identity.ID = uuid.New()
			score := f.reporter.scoreAgent(&tt.agent)
			assert.InDelta(t, tt.wantOverall, score.Overall, 0.001)
			assert.Equal(t, tt.wantLevel, score.Level())
		})
	}
}

func TestConnectivityScoreDecays(t *testing.T) {
	f := newFixture(t, nil)

	tests := []struct {
		age  time.Duration
		want float64
	}{
		{10 * time.Second, 100},
		{2 * time.Minute, 80},
		{7 * time.Minute, 60},
		{20 * time.Minute, 30},
	}
	for _, tt := range tests {
		agent := &types.RegisteredAgent{
			ConnectionState: types.ConnectionActive,
			LastHeartbeat:   heartbeatAge(tt.age),
		}
		got := f.reporter.connectivityScore(agent, time.Now())
		assert.Equal(t, tt.want, got, "heartbeat age %s", tt.age)
	}
}

func TestCalculateScoreUsesCache(t *testing.T) {
	f := newFixture(t, func(c *Config) { c.ScoreCacheTTL = time.Hour })
	ctx := context.Background()
	id := f.addAgent(t, "mac-01")

	require.NoError(t, f.registry.UpdateStatus(ctx, id, types.AgentStatus{HealthStatus: types.HealthHealthy}))
	first, err := f.reporter.CalculateScore(ctx, id)
	require.NoError(t, err)

	// A health change is invisible until the cache entry is dropped.
	require.NoError(t, f.registry.UpdateStatus(ctx, id, types.AgentStatus{HealthStatus: types.HealthCritical}))
	cached, err := f.reporter.CalculateScore(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, first.Overall, cached.Overall)

	f.reporter.InvalidateScore(id)
	fresh, err := f.reporter.CalculateScore(ctx, id)
	require.NoError(t, err)
	assert.Less(t, fresh.Overall, first.Overall)
}

func TestCalculateScoreUnknownAgent(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.reporter.CalculateScore(context.Background(), uuid.New())
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestFleetReport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	healthy := f.addAgent(t, "mac-healthy")
	require.NoError(t, f.registry.UpdateStatus(ctx, healthy, types.AgentStatus{
		HealthStatus: types.HealthHealthy,
		FreedBytes:   2048,
		CleanupCount: 3,
	}))

	critical := f.addAgent(t, "mac-critical")
	require.NoError(t, f.registry.UpdateStatus(ctx, critical, types.AgentStatus{
		HealthStatus: types.HealthCritical,
		FreedBytes:   512,
		CleanupCount: 1,
	}))

	offline := f.addAgent(t, "mac-offline")
	require.NoError(t, f.registry.UpdateConnectionState(ctx, offline, types.ConnectionOffline))

	// One completed rollout in history.
	policy := types.CleanupPolicy{Name: "p", Payload: json.RawMessage(`{}`)}
	dist, err := f.distributor.Distribute(ctx, policy, types.DistributionTarget{Kind: types.TargetAll}, "ops")
	require.NoError(t, err)
	require.NoError(t, f.distributor.Acknowledge(ctx, healthy, dist.ID))
	require.NoError(t, f.distributor.Acknowledge(ctx, critical, dist.ID))
	require.Eventually(t, func() bool {
		got, err := f.distributor.Get(dist.ID)
		return err == nil && got.State != types.DistributionInProgress
	}, 2*time.Second, 10*time.Millisecond)

	overview, err := f.reporter.FleetReport(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, overview.TotalAgents)
	assert.Equal(t, 2, overview.ActiveAgents)
	assert.Equal(t, 1, overview.OfflineAgents)
	assert.Equal(t, int64(2560), overview.TotalBytesFreed)
	assert.Equal(t, 4, overview.TotalCleanupCount)
	assert.Equal(t, 1, overview.PolicyDeployments)

	// Every agent lands in exactly one band.
	sum := 0
	for _, n := range overview.LevelCounts {
		sum += n
	}
	assert.Equal(t, overview.TotalAgents, sum)
	assert.Greater(t, overview.AverageScore, 0.0)
}

func TestAgentReport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	id := f.addAgent(t, "mac-01")

	require.NoError(t, f.registry.UpdateStatus(ctx, id, types.AgentStatus{
		HealthStatus:   types.HealthHealthy,
		FreedBytes:     4096,
		CleanupCount:   7,
		TotalDiskBytes: 1000,
		FreeDiskBytes:  250,
	}))

	report, err := f.reporter.AgentReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mac-01", report.Hostname)
	assert.Equal(t, types.HealthHealthy, report.HealthStatus)
	assert.Equal(t, int64(4096), report.FreedBytes)
	assert.Equal(t, 7, report.CleanupCount)
	assert.InDelta(t, 75.0, report.DiskUsagePct, 0.001)
	assert.Equal(t, types.ComplianceCompliant, report.Level)

	_, err = f.reporter.AgentReport(ctx, uuid.New())
	assert.ErrorIs(t, err, registry.ErrAgentNotFound)
}

func TestExecutionReport(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.addAgent(t, "mac-a")
	b := f.addAgent(t, "mac-b")

	policy := types.CleanupPolicy{Name: "p", Payload: json.RawMessage(`{}`)}
	dist, err := f.distributor.Distribute(ctx, policy, types.DistributionTarget{Kind: types.TargetAll}, "ops")
	require.NoError(t, err)
	require.NoError(t, f.distributor.Acknowledge(ctx, a, dist.ID))
	require.NoError(t, f.distributor.Cancel(dist.ID))

	report, err := f.reporter.ExecutionReport(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, "p", report.PolicyName)
	assert.Equal(t, 1, report.PolicyVersion)
	require.Len(t, report.Entries, 2)

	states := make(map[uuid.UUID]types.PolicyExecutionState, 2)
	for _, e := range report.Entries {
		states[e.AgentID] = e.State
	}
	assert.Equal(t, types.ExecutionCompleted, states[a])
	// Cancelled deliveries surface as skipped in the report vocabulary.
	assert.Equal(t, types.ExecutionSkipped, states[b])

	_, err = f.reporter.ExecutionReport(uuid.New())
	assert.ErrorIs(t, err, distribution.ErrDistributionNotFound)
}

func TestAuditSummary(t *testing.T) {
	f := newFixture(t, nil)
	noisy := uuid.New()
	quiet := uuid.New()

	f.agentLog.Record(noisy, types.SeverityInfo, "cleanup", "cleanup finished")
	f.agentLog.Record(noisy, types.SeverityCritical, "disk", "disk almost full")
	f.agentLog.Record(noisy, types.SeverityCritical, "disk", "disk full")
	f.agentLog.Record(quiet, types.SeverityWarning, "cleanup", "skipped locked file")

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	summary, err := f.reporter.AuditSummary(start, end, 5)
	require.NoError(t, err)

	assert.Equal(t, 4, summary.TotalEntries)
	assert.Equal(t, 2, summary.BySeverity[string(types.SeverityCritical)])
	assert.Equal(t, 2, summary.ByCategory["cleanup"])
	assert.Equal(t, 2, summary.ByCategory["disk"])
	require.NotEmpty(t, summary.TopAgents)
	assert.Equal(t, noisy, summary.TopAgents[0].AgentID)
	assert.Equal(t, 3, summary.TopAgents[0].Count)
	assert.Len(t, summary.LatestCritical, 2)
}

func TestWeightsValidation(t *testing.T) {
	assert.NoError(t, DefaultWeights().Validate())
	assert.Error(t, Weights{Policy: 0.5, Health: 0.5, Connectivity: 0.5}.Validate())
	assert.Error(t, Weights{Policy: -0.2, Health: 0.6, Connectivity: 0.6}.Validate())
	assert.NoError(t, Weights{Policy: 1}.Validate())
}
