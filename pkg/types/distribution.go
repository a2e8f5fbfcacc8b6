package types

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// CleanupPolicy is the artifact distributed to agents. The control plane
// treats the payload as opaque; agents interpret it.
type CleanupPolicy struct {
	ID          uuid.UUID       `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Validate checks the fields required before a policy can be stored or
// distributed.
func (p *CleanupPolicy) Validate() error {
	if p.Name == "" {
		return errors.New("policy name is required")
	}
	if len(p.Payload) == 0 {
		return errors.New("policy payload is required")
	}
	return nil
}

// DistributionState is the lifecycle state of a whole distribution.
type DistributionState string

const (
	DistributionPending            DistributionState = "pending"
	DistributionInProgress         DistributionState = "in_progress"
	DistributionCompleted          DistributionState = "completed"
	DistributionPartiallyCompleted DistributionState = "partially_completed"
	DistributionFailed             DistributionState = "failed"
	DistributionCancelled          DistributionState = "cancelled"
	DistributionRollingBack        DistributionState = "rolling_back"
	DistributionRolledBack         DistributionState = "rolled_back"
)

// AgentDistributionState is the per-agent delivery state within a
// distribution.
type AgentDistributionState string

const (
	AgentDistributionPending    AgentDistributionState = "pending"
	AgentDistributionInProgress AgentDistributionState = "in_progress"
	AgentDistributionCompleted  AgentDistributionState = "completed"
	AgentDistributionFailed     AgentDistributionState = "failed"
	AgentDistributionCancelled  AgentDistributionState = "cancelled"
	AgentDistributionSkipped    AgentDistributionState = "skipped"
)

// TargetKind selects one construct of the target resolution grammar.
type TargetKind string

const (
	TargetAll          TargetKind = "all"
	TargetAgents       TargetKind = "agents"
	TargetTags         TargetKind = "tags"
	TargetCapabilities TargetKind = "capabilities"
	TargetFilter       TargetKind = "filter"
	TargetCombined     TargetKind = "combined"
)

// AgentFilter narrows the fleet for filter targets. Zero values mean the
// criterion is not applied.
type AgentFilter struct {
	ConnectionState      *ConnectionState `json:"connectionState,omitempty"`
	RequiredTags         []string         `json:"requiredTags,omitempty"`
	RequiredCapabilities []string         `json:"requiredCapabilities,omitempty"`
	ExcludeAgentIDs      []uuid.UUID      `json:"excludeAgentIds,omitempty"`
	RegisteredAfter      *time.Time       `json:"registeredAfter,omitempty"`
	Limit                int              `json:"limit,omitempty"`
}

// DistributionTarget describes which agents a distribution addresses.
// Combined targets recurse.
type DistributionTarget struct {
	Kind         TargetKind           `json:"kind"`
	AgentIDs     []uuid.UUID          `json:"agentIds,omitempty"`
	Tags         []string             `json:"tags,omitempty"`
	Capabilities []string             `json:"capabilities,omitempty"`
	Filter       *AgentFilter         `json:"filter,omitempty"`
	Targets      []DistributionTarget `json:"targets,omitempty"`
}

// Validate checks the target construct is well-formed.
func (t *DistributionTarget) Validate() error {
	switch t.Kind {
	case TargetAll:
		return nil
	case TargetAgents:
		if len(t.AgentIDs) == 0 {
			return errors.New("agents target requires at least one agent ID")
		}
	case TargetTags:
		if len(t.Tags) == 0 {
			return errors.New("tags target requires at least one tag")
		}
	case TargetCapabilities:
		if len(t.Capabilities) == 0 {
			return errors.New("capabilities target requires at least one capability")
		}
	case TargetFilter:
		if t.Filter == nil {
			return errors.New("filter target requires a filter")
		}
	case TargetCombined:
		if len(t.Targets) == 0 {
			return errors.New("combined target requires at least one sub-target")
		}
		for i := range t.Targets {
			if err := t.Targets[i].Validate(); err != nil {
				return err
			}
		}
	default:
		return errors.New("unknown target kind: " + string(t.Kind))
	}
	return nil
}

// AgentDistributionStatus tracks delivery of one policy version to one agent.
type AgentDistributionStatus struct {
	AgentID        uuid.UUID              `json:"agentId"`
	State          AgentDistributionState `json:"state"`
	PolicyVersion  int                    `json:"policyVersion"`
	StartedAt      time.Time              `json:"startedAt"`
	CompletedAt    *time.Time             `json:"completedAt,omitempty"`
	RetryCount     int                    `json:"retryCount"`
	ErrorMessage   string                 `json:"errorMessage,omitempty"`
	Acknowledged   bool                   `json:"acknowledged"`
	AcknowledgedAt *time.Time             `json:"acknowledgedAt,omitempty"`
}

// DistributionStatus is the distributor's record of one rollout attempt.
// PolicyPayload is stored alongside so that retries are self-contained.
type DistributionStatus struct {
	ID            uuid.UUID                              `json:"id"`
	PolicyName    string                                 `json:"policyName"`
	PolicyVersion int                                    `json:"policyVersion"`
	PolicyPayload json.RawMessage                        `json:"policyPayload,omitempty"`
	Target        DistributionTarget                     `json:"target"`
	State         DistributionState                      `json:"state"`
	AgentStatuses map[uuid.UUID]*AgentDistributionStatus `json:"agentStatuses"`
	InitiatedAt   time.Time                              `json:"initiatedAt"`
	StartedAt     *time.Time                             `json:"startedAt,omitempty"`
	CompletedAt   *time.Time                             `json:"completedAt,omitempty"`
	InitiatedBy   string                                 `json:"initiatedBy"`
	Message       string                                 `json:"message,omitempty"`
}

// TotalAgents is the number of agents addressed by the distribution.
func (d *DistributionStatus) TotalAgents() int {
	return len(d.AgentStatuses)
}

// CountByState returns the number of per-agent entries in the given state.
func (d *DistributionStatus) CountByState(state AgentDistributionState) int {
	n := 0
	for _, s := range d.AgentStatuses {
		if s.State == state {
			n++
		}
	}
	return n
}

// SuccessfulAgents is the number of per-agent entries that completed.
func (d *DistributionStatus) SuccessfulAgents() int {
	return d.CountByState(AgentDistributionCompleted)
}

// FailedAgents is the number of per-agent entries that failed.
func (d *DistributionStatus) FailedAgents() int {
	return d.CountByState(AgentDistributionFailed)
}

// SuccessRate is the completed percentage over all addressed agents.
func (d *DistributionStatus) SuccessRate() float64 {
	total := d.TotalAgents()
	if total == 0 {
		return 0
	}
	return float64(d.SuccessfulAgents()) / float64(total) * 100
}

// Clone returns a deep copy of the distribution record.
func (d *DistributionStatus) Clone() *DistributionStatus {
	cp := *d
	cp.AgentStatuses = make(map[uuid.UUID]*AgentDistributionStatus, len(d.AgentStatuses))
	for id, s := range d.AgentStatuses {
		sc := *s
		cp.AgentStatuses[id] = &sc
	}
	if d.StartedAt != nil {
		t := *d.StartedAt
		cp.StartedAt = &t
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		cp.CompletedAt = &t
	}
	cp.PolicyPayload = append(json.RawMessage(nil), d.PolicyPayload...)
	return &cp
}
