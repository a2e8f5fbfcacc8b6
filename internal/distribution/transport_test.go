package distribution

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macsweep/control-plane/pkg/types"
)

func testDist() *types.DistributionStatus {
	return &types.DistributionStatus{
		ID:            uuid.New(),
		PolicyName:    "downloads-cleanup",
		PolicyVersion: 2,
		PolicyPayload: json.RawMessage(`{"paths":["~/Downloads"]}`),
	}
}

func TestQueueTransport(t *testing.T) {
	transport := NewQueueTransport()
	ctx := context.Background()
	agentID := uuid.New()
	dist := testDist()

	require.NoError(t, transport.DeliverPolicy(ctx, agentID, dist))
	require.NoError(t, transport.DeliverRollback(ctx, agentID, dist))

	msgs := transport.Peek(agentID)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessagePolicyUpdate, msgs[0].Type)
	assert.Equal(t, MessagePolicyRollback, msgs[1].Type)
	assert.Equal(t, dist.ID.String(), msgs[0].CorrelationID)
	assert.Equal(t, types.CurrentProtocolVersion, msgs[0].ProtocolVersion)

	var envelope policyEnvelope
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &envelope))
	assert.Equal(t, dist.ID, envelope.DistributionID)
	assert.Equal(t, "downloads-cleanup", envelope.PolicyName)
	assert.Equal(t, 2, envelope.PolicyVersion)

	// Drain empties the queue; Peek had not.
	assert.Len(t, transport.Drain(agentID), 2)
	assert.Empty(t, transport.Drain(agentID))
	assert.Empty(t, transport.Peek(uuid.New()))
}

type flakyTransport struct {
	failures int
	calls    int
}

func (f *flakyTransport) DeliverPolicy(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("connection reset")
	}
	return nil
}

func (f *flakyTransport) DeliverRollback(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error {
	return f.DeliverPolicy(ctx, agentID, dist)
}

func TestRetryingTransportRecovers(t *testing.T) {
	flaky := &flakyTransport{failures: 2}
	transport := NewRetryingTransport(flaky, 3, time.Millisecond, nil)

	err := transport.DeliverPolicy(context.Background(), uuid.New(), testDist())
	require.NoError(t, err)
	assert.Equal(t, 3, flaky.calls)
}

func TestRetryingTransportGivesUp(t *testing.T) {
	flaky := &flakyTransport{failures: 10}
	transport := NewRetryingTransport(flaky, 2, time.Millisecond, nil)

	err := transport.DeliverPolicy(context.Background(), uuid.New(), testDist())
	require.Error(t, err)
	assert.Equal(t, 2, flaky.calls)
}
