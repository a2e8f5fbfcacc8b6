package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/pkg/types"
)

// Server message types carried to agents.
const (
	MessagePolicyUpdate   = "policy_update"
	MessagePolicyRollback = "policy_rollback"
)

// policyEnvelope is the payload of a policy_update or policy_rollback
// message.
type policyEnvelope struct {
	DistributionID uuid.UUID       `json:"distributionId"`
	PolicyName     string          `json:"policyName"`
	PolicyVersion  int             `json:"policyVersion"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// PolicyTransport records outbound policy deliveries. The distributor never
// blocks on the network: it hands intent to the transport and waits for
// acknowledgements.
type PolicyTransport interface {
	DeliverPolicy(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error
	DeliverRollback(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error
}

// QueueTransport is an in-memory outbox. Messages wait per agent until the
// agent's next poll drains them.
type QueueTransport struct {
	mu    sync.Mutex
	queue map[uuid.UUID][]types.ServerMessage
}

// NewQueueTransport creates an empty outbox.
func NewQueueTransport() *QueueTransport {
	return &QueueTransport{queue: make(map[uuid.UUID][]types.ServerMessage)}
}

// DeliverPolicy queues a policy_update message for the agent.
func (t *QueueTransport) DeliverPolicy(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error {
	return t.enqueue(agentID, MessagePolicyUpdate, dist)
}

// DeliverRollback queues a policy_rollback message for the agent.
func (t *QueueTransport) DeliverRollback(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error {
	return t.enqueue(agentID, MessagePolicyRollback, dist)
}

func (t *QueueTransport) enqueue(agentID uuid.UUID, msgType string, dist *types.DistributionStatus) error {
	payload, err := json.Marshal(policyEnvelope{
		DistributionID: dist.ID,
		PolicyName:     dist.PolicyName,
		PolicyVersion:  dist.PolicyVersion,
		Payload:        dist.PolicyPayload,
	})
	if err != nil {
		return fmt.Errorf("marshal policy envelope: %w", err)
	}
	msg := types.ServerMessage{
		MessageID:       uuid.New(),
		Type:            msgType,
		ProtocolVersion: types.CurrentProtocolVersion,
		AgentID:         agentID,
		Payload:         payload,
		Timestamp:       time.Now(),
		CorrelationID:   dist.ID.String(),
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue[agentID] = append(t.queue[agentID], msg)
	return nil
}

// Enqueue queues an arbitrary server message for the agent. Commands and
// other non-policy traffic ride the same outbox.
func (t *QueueTransport) Enqueue(msg types.ServerMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queue[msg.AgentID] = append(t.queue[msg.AgentID], msg)
}

// Drain returns and clears the queued messages for an agent.
func (t *QueueTransport) Drain(agentID uuid.UUID) []types.ServerMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	msgs := t.queue[agentID]
	delete(t.queue, agentID)
	return msgs
}

// Peek returns the queued messages for an agent without clearing them.
func (t *QueueTransport) Peek(agentID uuid.UUID) []types.ServerMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]types.ServerMessage(nil), t.queue[agentID]...)
}

// RetryingTransport wraps a transport with bounded retries and backoff.
type RetryingTransport struct {
	next     PolicyTransport
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
}

// NewRetryingTransport wraps next with retries. attempts must be at least 1.
func NewRetryingTransport(next PolicyTransport, attempts uint, delay time.Duration, logger *zap.Logger) *RetryingTransport {
	if attempts < 1 {
		attempts = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingTransport{next: next, attempts: attempts, delay: delay, logger: logger}
}

func (t *RetryingTransport) DeliverPolicy(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error {
	return t.do(ctx, agentID, func() error {
		return t.next.DeliverPolicy(ctx, agentID, dist)
	})
}

func (t *RetryingTransport) DeliverRollback(ctx context.Context, agentID uuid.UUID, dist *types.DistributionStatus) error {
	return t.do(ctx, agentID, func() error {
		return t.next.DeliverRollback(ctx, agentID, dist)
	})
}

func (t *RetryingTransport) do(ctx context.Context, agentID uuid.UUID, fn func() error) error {
	return retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(t.attempts),
		retry.Delay(t.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			t.logger.Warn("policy delivery retry",
				zap.String("agent_id", agentID.String()),
				zap.Uint("attempt", n+1),
				zap.Error(err),
			)
		}),
	)
}
