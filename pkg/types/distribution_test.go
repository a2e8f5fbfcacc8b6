package types

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistributionTargetValidate(t *testing.T) {
	tests := []struct {
		name    string
		target  DistributionTarget
		wantErr bool
	}{
		{"all", DistributionTarget{Kind: TargetAll}, false},
		{"agents empty", DistributionTarget{Kind: TargetAgents}, true},
		{"agents", DistributionTarget{Kind: TargetAgents, AgentIDs: []uuid.UUID{uuid.New()}}, false},
		{"tags empty", DistributionTarget{Kind: TargetTags}, true},
		{"filter missing", DistributionTarget{Kind: TargetFilter}, true},
		{"combined empty", DistributionTarget{Kind: TargetCombined}, true},
		{
			"combined recurses",
			DistributionTarget{Kind: TargetCombined, Targets: []DistributionTarget{{Kind: TargetAgents}}},
			true,
		},
		{"unknown kind", DistributionTarget{Kind: "everything"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.target.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDistributionStatusCounts(t *testing.T) {
	dist := &DistributionStatus{AgentStatuses: map[uuid.UUID]*AgentDistributionStatus{}}
	states := []AgentDistributionState{
		AgentDistributionCompleted,
		AgentDistributionCompleted,
		AgentDistributionCompleted,
		AgentDistributionFailed,
		AgentDistributionCancelled,
	}
	for _, s := range states {
		id := uuid.New()
		dist.AgentStatuses[id] = &AgentDistributionStatus{AgentID: id, State: s}
	}

	assert.Equal(t, 5, dist.TotalAgents())
	assert.Equal(t, 3, dist.SuccessfulAgents())
	assert.Equal(t, 1, dist.FailedAgents())
	assert.InDelta(t, 60.0, dist.SuccessRate(), 0.001)

	// Terminal entries partition the addressed set.
	total := dist.SuccessfulAgents() + dist.FailedAgents() +
		dist.CountByState(AgentDistributionCancelled) + dist.CountByState(AgentDistributionSkipped)
	assert.Equal(t, dist.TotalAgents(), total)
}

func TestDistributionStatusCloneIsDeep(t *testing.T) {
	id := uuid.New()
	dist := &DistributionStatus{
		ID:            uuid.New(),
		PolicyPayload: json.RawMessage(`{"a":1}`),
		AgentStatuses: map[uuid.UUID]*AgentDistributionStatus{
			id: {AgentID: id, State: AgentDistributionPending},
		},
	}
	clone := dist.Clone()
	clone.AgentStatuses[id].State = AgentDistributionCompleted

	require.Equal(t, AgentDistributionPending, dist.AgentStatuses[id].State)
}

func TestComplianceLevelBands(t *testing.T) {
	tests := []struct {
		score float64
		want  ComplianceLevel
	}{
		{100, ComplianceCompliant},
		{90, ComplianceCompliant},
		{89.9, CompliancePartial},
		{70, CompliancePartial},
		{69.9, ComplianceNonCompliant},
		{50, ComplianceNonCompliant},
		{49.9, ComplianceCritical},
		{0, ComplianceCritical},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ComplianceLevelForScore(tt.score), "score %g", tt.score)
	}
}
