package distribution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macsweep/control-plane/internal/registry"
	"github.com/macsweep/control-plane/pkg/types"
)

func newFleet(t *testing.T) *registry.Registry {
	t.Helper()
	reg, err := registry.New(registry.DefaultConfig(), registry.NewInMemoryStore())
	require.NoError(t, err)
	return reg
}

func addAgent(t *testing.T, reg *registry.Registry, hostname string, tags []string, capabilities ...string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	ctx := context.Background()
	_, err := reg.Register(ctx, types.AgentIdentity{
		ID:         id,
		Hostname:   hostname,
		OSVersion:  "14.5",
		AppVersion: "2.1.0",
		Tags:       tags,
	}, capabilities)
	require.NoError(t, err)
	// Registration leaves the agent pending; a status report activates it
	// so dispatch will deliver.
	require.NoError(t, reg.UpdateStatus(ctx, id, types.AgentStatus{}))
	return id
}

func newDistributor(t *testing.T, reg *registry.Registry, mutate func(*Config)) (*Distributor, *QueueTransport) {
	t.Helper()
	cfg := DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	transport := NewQueueTransport()
	d, err := New(cfg, reg, transport)
	require.NoError(t, err)
	return d, transport
}

func testPolicy(name string) types.CleanupPolicy {
	return types.CleanupPolicy{
		Name:    name,
		Payload: json.RawMessage(`{"paths":["~/Downloads"],"olderThanDays":30}`),
	}
}

func allTarget() types.DistributionTarget {
	return types.DistributionTarget{Kind: types.TargetAll}
}

func waitForState(t *testing.T, d *Distributor, id uuid.UUID, want types.DistributionState) *types.DistributionStatus {
	t.Helper()
	var dist *types.DistributionStatus
	require.Eventually(t, func() bool {
		got, err := d.Get(id)
		if err != nil {
			return false
		}
		dist = got
		return got.State == want
	}, 2*time.Second, 10*time.Millisecond, "distribution never reached %s", want)
	return dist
}

func TestDistributeCompletesOnFullAcknowledgement(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	b := addAgent(t, reg, "mac-b", nil)
	d, transport := newDistributor(t, reg, nil)
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("downloads-cleanup"), allTarget(), "alice")
	require.NoError(t, err)
	assert.Equal(t, types.DistributionInProgress, dist.State)
	assert.Equal(t, 1, dist.PolicyVersion)
	assert.Equal(t, "alice", dist.InitiatedBy)
	require.Len(t, dist.AgentStatuses, 2)

	// Dispatch queued one policy_update per agent.
	require.Len(t, transport.Peek(a), 1)
	assert.Equal(t, MessagePolicyUpdate, transport.Peek(a)[0].Type)

	require.NoError(t, d.Acknowledge(ctx, a, dist.ID))
	require.NoError(t, d.Acknowledge(ctx, b, dist.ID))

	final := waitForState(t, d, dist.ID, types.DistributionCompleted)
	assert.Equal(t, 2, final.SuccessfulAgents())
	assert.NotNil(t, final.CompletedAt)
	assert.Empty(t, d.Active())
	require.Len(t, d.History(0), 1)
}

func TestDistributeFailsOnAcknowledgementTimeout(t *testing.T) {
	reg := newFleet(t)
	addAgent(t, reg, "mac-silent", nil)
	d, _ := newDistributor(t, reg, func(c *Config) {
		c.AcknowledgementTimeout = 20 * time.Millisecond
	})

	dist, err := d.Distribute(context.Background(), testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)

	final := waitForState(t, d, dist.ID, types.DistributionFailed)
	for _, s := range final.AgentStatuses {
		assert.Equal(t, types.AgentDistributionFailed, s.State)
		assert.Equal(t, "Acknowledgement timeout", s.ErrorMessage)
	}
}

func TestDistributePartialCompletion(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	addAgent(t, reg, "mac-b", nil)
	d, _ := newDistributor(t, reg, func(c *Config) {
		c.AcknowledgementTimeout = 20 * time.Millisecond
		c.MinimumSuccessRate = 50
	})
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)
	require.NoError(t, d.Acknowledge(ctx, a, dist.ID))

	final := waitForState(t, d, dist.ID, types.DistributionPartiallyCompleted)
	assert.Equal(t, 1, final.SuccessfulAgents())
	assert.Equal(t, 1, final.FailedAgents())
}

func TestDistributeSkipsOfflineAgents(t *testing.T) {
	reg := newFleet(t)
	offline := addAgent(t, reg, "mac-off", nil)
	online := addAgent(t, reg, "mac-on", nil)
	require.NoError(t, reg.UpdateConnectionState(context.Background(), offline, types.ConnectionOffline))
	d, transport := newDistributor(t, reg, nil)
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)

	// Offline agents fail immediately without a delivery attempt.
	assert.Empty(t, transport.Peek(offline))
	require.Len(t, transport.Peek(online), 1)

	got, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, types.AgentDistributionFailed, got.AgentStatuses[offline].State)
	assert.Equal(t, "agent is offline", got.AgentStatuses[offline].ErrorMessage)
}

func TestDistributeRejectsEmptyTarget(t *testing.T) {
	reg := newFleet(t)
	d, _ := newDistributor(t, reg, nil)

	_, err := d.Distribute(context.Background(), testPolicy("p"), allTarget(), "ops")
	assert.ErrorIs(t, err, ErrNoTargetAgents)

	_, err = d.Distribute(context.Background(), types.CleanupPolicy{}, allTarget(), "ops")
	assert.Error(t, err)
}

func TestPolicyVersionsAreMonotone(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	d, _ := newDistributor(t, reg, nil)
	ctx := context.Background()

	assert.Zero(t, d.PolicyVersion("p"))
	for want := 1; want <= 3; want++ {
		dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
		require.NoError(t, err)
		assert.Equal(t, want, dist.PolicyVersion)
		require.NoError(t, d.Acknowledge(ctx, a, dist.ID))
	}
	assert.Equal(t, 3, d.PolicyVersion("p"))
	assert.Zero(t, d.PolicyVersion("other"))
}

func TestAcknowledgeUnknownAgent(t *testing.T) {
	reg := newFleet(t)
	addAgent(t, reg, "mac-a", nil)
	d, _ := newDistributor(t, reg, nil)
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)

	assert.ErrorIs(t, d.Acknowledge(ctx, uuid.New(), dist.ID), ErrAgentNotInDistribution)
	assert.ErrorIs(t, d.Acknowledge(ctx, uuid.New(), uuid.New()), ErrDistributionNotFound)
}

func TestCancel(t *testing.T) {
	reg := newFleet(t)
	addAgent(t, reg, "mac-a", nil)
	d, _ := newDistributor(t, reg, nil)

	dist, err := d.Distribute(context.Background(), testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)

	require.NoError(t, d.Cancel(dist.ID))
	got, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionCancelled, got.State)
	for _, s := range got.AgentStatuses {
		assert.Equal(t, types.AgentDistributionCancelled, s.State)
	}

	// Cancelling again is a no-op even though the distribution has been
	// archived.
	assert.NoError(t, d.Cancel(dist.ID))

	assert.ErrorIs(t, d.Cancel(uuid.New()), ErrDistributionNotFound)
}

func TestCancelCompletedDistribution(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	d, _ := newDistributor(t, reg, nil)
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)
	require.NoError(t, d.Acknowledge(ctx, a, dist.ID))
	waitForState(t, d, dist.ID, types.DistributionCompleted)

	var stateErr *StateError
	require.ErrorAs(t, d.Cancel(dist.ID), &stateErr)
	assert.Equal(t, "cancel", stateErr.Action)
	assert.Equal(t, types.DistributionCompleted, stateErr.State)
}

func TestRollback(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	d, transport := newDistributor(t, reg, nil)
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)
	require.NoError(t, d.Acknowledge(ctx, a, dist.ID))
	waitForState(t, d, dist.ID, types.DistributionCompleted)
	transport.Drain(a)

	require.NoError(t, d.Rollback(ctx, dist.ID))

	got, err := d.Get(dist.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionRolledBack, got.State)

	msgs := transport.Drain(a)
	require.Len(t, msgs, 1)
	assert.Equal(t, MessagePolicyRollback, msgs[0].Type)

	// A rolled back distribution cannot be rolled back again.
	var stateErr *StateError
	require.ErrorAs(t, d.Rollback(ctx, dist.ID), &stateErr)
	assert.Equal(t, "rollback", stateErr.Action)
}

func TestRollbackRequiresTerminalSuccess(t *testing.T) {
	reg := newFleet(t)
	addAgent(t, reg, "mac-a", nil)
	d, _ := newDistributor(t, reg, func(c *Config) {
		c.AcknowledgementTimeout = 20 * time.Millisecond
	})
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)
	waitForState(t, d, dist.ID, types.DistributionFailed)

	var stateErr *StateError
	require.ErrorAs(t, d.Rollback(ctx, dist.ID), &stateErr)
	assert.Equal(t, types.DistributionFailed, stateErr.State)
}

func TestRetryFailed(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	require.NoError(t, reg.UpdateConnectionState(context.Background(), a, types.ConnectionOffline))
	d, _ := newDistributor(t, reg, func(c *Config) {
		c.AcknowledgementTimeout = 20 * time.Millisecond
		c.MaxRetryAttempts = 1
	})
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)
	waitForState(t, d, dist.ID, types.DistributionFailed)

	// The agent is back; the retry round succeeds once it acknowledges.
	require.NoError(t, reg.UpdateConnectionState(ctx, a, types.ConnectionActive))
	retried, err := d.RetryFailed(ctx, dist.ID)
	require.NoError(t, err)
	assert.Equal(t, types.DistributionInProgress, retried.State)
	assert.Equal(t, 1, retried.AgentStatuses[a].RetryCount)

	require.NoError(t, d.Acknowledge(ctx, a, dist.ID))
	waitForState(t, d, dist.ID, types.DistributionCompleted)
}

func TestRetryFailedExhaustsBudget(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	require.NoError(t, reg.UpdateConnectionState(context.Background(), a, types.ConnectionOffline))
	d, _ := newDistributor(t, reg, func(c *Config) {
		c.AcknowledgementTimeout = 20 * time.Millisecond
		c.MaxRetryAttempts = 1
	})
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
	require.NoError(t, err)
	waitForState(t, d, dist.ID, types.DistributionFailed)

	// First retry burns the budget; the agent stays offline and fails again.
	_, err = d.RetryFailed(ctx, dist.ID)
	require.NoError(t, err)
	waitForState(t, d, dist.ID, types.DistributionFailed)

	_, err = d.RetryFailed(ctx, dist.ID)
	assert.ErrorIs(t, err, ErrMaxRetriesExceeded)

	_, err = d.RetryFailed(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrDistributionNotFound)
}

func TestResolveTarget(t *testing.T) {
	reg := newFleet(t)
	ctx := context.Background()
	office := addAgent(t, reg, "mac-office", []string{"office"}, "cleanup")
	lab := addAgent(t, reg, "mac-lab", []string{"lab"}, "cleanup", "report")
	both := addAgent(t, reg, "mac-both", []string{"office", "lab"}, "report")
	d, _ := newDistributor(t, reg, nil)

	ids := func(agents []*types.RegisteredAgent) map[uuid.UUID]bool {
		set := make(map[uuid.UUID]bool, len(agents))
		for _, a := range agents {
			set[a.Identity.ID] = true
		}
		return set
	}

	t.Run("all", func(t *testing.T) {
		agents, err := d.ResolveTarget(ctx, allTarget())
		require.NoError(t, err)
		assert.Len(t, agents, 3)
	})

	t.Run("explicit ids drop unknown", func(t *testing.T) {
		agents, err := d.ResolveTarget(ctx, types.DistributionTarget{
			Kind:     types.TargetAgents,
			AgentIDs: []uuid.UUID{office, uuid.New()},
		})
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, office, agents[0].Identity.ID)
	})

	t.Run("tags union", func(t *testing.T) {
		agents, err := d.ResolveTarget(ctx, types.DistributionTarget{
			Kind: types.TargetTags,
			Tags: []string{"office", "lab"},
		})
		require.NoError(t, err)
		assert.Len(t, agents, 3)
	})

	t.Run("capabilities", func(t *testing.T) {
		agents, err := d.ResolveTarget(ctx, types.DistributionTarget{
			Kind:         types.TargetCapabilities,
			Capabilities: []string{"report"},
		})
		require.NoError(t, err)
		got := ids(agents)
		assert.True(t, got[lab])
		assert.True(t, got[both])
		assert.False(t, got[office])
	})

	t.Run("filter", func(t *testing.T) {
		agents, err := d.ResolveTarget(ctx, types.DistributionTarget{
			Kind: types.TargetFilter,
			Filter: &types.AgentFilter{
				RequiredTags:    []string{"lab"},
				ExcludeAgentIDs: []uuid.UUID{both},
			},
		})
		require.NoError(t, err)
		require.Len(t, agents, 1)
		assert.Equal(t, lab, agents[0].Identity.ID)
	})

	t.Run("filter limit", func(t *testing.T) {
		agents, err := d.ResolveTarget(ctx, types.DistributionTarget{
			Kind:   types.TargetFilter,
			Filter: &types.AgentFilter{Limit: 2},
		})
		require.NoError(t, err)
		assert.Len(t, agents, 2)
	})

	t.Run("combined deduplicates", func(t *testing.T) {
		agents, err := d.ResolveTarget(ctx, types.DistributionTarget{
			Kind: types.TargetCombined,
			Targets: []types.DistributionTarget{
				{Kind: types.TargetTags, Tags: []string{"office"}},
				{Kind: types.TargetAgents, AgentIDs: []uuid.UUID{office, lab}},
			},
		})
		require.NoError(t, err)
		assert.Len(t, agents, 3)
	})
}

func TestPendingPolicies(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	d, _ := newDistributor(t, reg, nil)
	ctx := context.Background()

	dist, err := d.Distribute(ctx, testPolicy("downloads-cleanup"), allTarget(), "ops")
	require.NoError(t, err)

	assert.Equal(t, []string{"downloads-cleanup"}, d.PendingPolicies(a))
	assert.Empty(t, d.PendingPolicies(uuid.New()))
	assert.Nil(t, d.PendingCommands(a))

	require.NoError(t, d.Acknowledge(ctx, a, dist.ID))
	assert.Empty(t, d.PendingPolicies(a))
}

func TestHistoryIsBoundedNewestFirst(t *testing.T) {
	reg := newFleet(t)
	a := addAgent(t, reg, "mac-a", nil)
	d, _ := newDistributor(t, reg, func(c *Config) { c.HistorySize = 2 })
	ctx := context.Background()

	var last uuid.UUID
	for i := 0; i < 3; i++ {
		dist, err := d.Distribute(ctx, testPolicy("p"), allTarget(), "ops")
		require.NoError(t, err)
		require.NoError(t, d.Acknowledge(ctx, a, dist.ID))
		waitForState(t, d, dist.ID, types.DistributionCompleted)
		last = dist.ID
	}

	history := d.History(0)
	require.Len(t, history, 2)
	assert.Equal(t, last, history[0].ID)
	assert.Len(t, d.History(1), 1)
}
