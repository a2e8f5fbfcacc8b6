// Package distribution rolls cleanup policies out to targeted fleet subsets
// and tracks per-agent delivery state.
package distribution

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/pkg/types"
)

var (
	// ErrDistributionNotFound is returned when no distribution has the ID.
	ErrDistributionNotFound = errors.New("distribution not found")

	// ErrNoTargetAgents is returned when a target resolves to zero agents.
	ErrNoTargetAgents = errors.New("target resolved to no agents")

	// ErrAgentNotInDistribution is returned when an acknowledgement names
	// an agent the distribution does not address.
	ErrAgentNotInDistribution = errors.New("agent is not part of this distribution")

	// ErrMaxRetriesExceeded is returned when every failed agent entry has
	// exhausted its retry budget.
	ErrMaxRetriesExceeded = errors.New("maximum retry attempts exceeded")
)

// StateError reports an operation applied to a distribution in the wrong
// lifecycle state.
type StateError struct {
	ID     uuid.UUID
	State  types.DistributionState
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s distribution %s in state %s", e.Action, e.ID, e.State)
}

// AgentDirectory is the read-only registry view the distributor resolves
// targets against.
type AgentDirectory interface {
	Get(ctx context.Context, id uuid.UUID) (*types.RegisteredAgent, error)
	List(ctx context.Context) ([]*types.RegisteredAgent, error)
	ListByTag(ctx context.Context, tag string) ([]*types.RegisteredAgent, error)
	ListByCapability(ctx context.Context, capability string) ([]*types.RegisteredAgent, error)
}

// Config configures the distributor.
type Config struct {
	// MaxConcurrentDistributions is the dispatch chunk size.
	MaxConcurrentDistributions int
	// AcknowledgementTimeout bounds how long dispatched agents may take to
	// acknowledge before their entries fail.
	AcknowledgementTimeout time.Duration
	// MinimumSuccessRate (percent) separates partially_completed from
	// failed at finalization.
	MinimumSuccessRate float64
	// MaxRetryAttempts caps per-agent retries.
	MaxRetryAttempts int
	// HistorySize bounds the archived distribution ring.
	HistorySize int
	Logger      *zap.Logger
}

// DefaultConfig returns the default distributor configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentDistributions: 10,
		AcknowledgementTimeout:     30 * time.Second,
		MinimumSuccessRate:         80,
		MaxRetryAttempts:           3,
		HistorySize:                1000,
	}
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.MaxConcurrentDistributions <= 0 {
		c.MaxConcurrentDistributions = 10
	}
	if c.AcknowledgementTimeout <= 0 {
		c.AcknowledgementTimeout = 30 * time.Second
	}
	if c.MinimumSuccessRate < 0 || c.MinimumSuccessRate > 100 {
		return fmt.Errorf("minimum success rate must be within [0,100], got %g", c.MinimumSuccessRate)
	}
	if c.MaxRetryAttempts < 0 {
		return fmt.Errorf("max retry attempts must not be negative, got %d", c.MaxRetryAttempts)
	}
	if c.MaxRetryAttempts == 0 {
		c.MaxRetryAttempts = 3
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 1000
	}
	return nil
}

// Distributor rolls policies out to resolved agent sets. Active
// distributions live in a map; finalized ones move to a bounded history
// ring, newest first.
type Distributor struct {
	mu        sync.Mutex
	cfg       Config
	directory AgentDirectory
	transport PolicyTransport
	versions  map[string]int
	active    map[uuid.UUID]*types.DistributionStatus
	history   []*types.DistributionStatus
	logger    *zap.Logger
}

// New creates a distributor.
func New(cfg Config, directory AgentDirectory, transport PolicyTransport) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid distribution config: %w", err)
	}
	if directory == nil {
		return nil, fmt.Errorf("agent directory is required")
	}
	if transport == nil {
		transport = NewQueueTransport()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Distributor{
		cfg:       cfg,
		directory: directory,
		transport: transport,
		versions:  make(map[string]int),
		active:    make(map[uuid.UUID]*types.DistributionStatus),
		logger:    cfg.Logger,
	}, nil
}

// Distribute rolls a policy out to the resolved target set. It returns
// after dispatch with the distribution in progress; finalization happens
// when all agents acknowledge or the acknowledgement timeout fires.
func (d *Distributor) Distribute(ctx context.Context, policy types.CleanupPolicy, target types.DistributionTarget, initiatedBy string) (*types.DistributionStatus, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	if err := target.Validate(); err != nil {
		return nil, fmt.Errorf("invalid target: %w", err)
	}

	agents, err := d.ResolveTarget(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(agents) == 0 {
		return nil, ErrNoTargetAgents
	}

	d.mu.Lock()
	d.versions[policy.Name]++
	version := d.versions[policy.Name]

	now := time.Now()
	dist := &types.DistributionStatus{
		ID:            uuid.New(),
		PolicyName:    policy.Name,
		PolicyVersion: version,
		PolicyPayload: policy.Payload,
		Target:        target,
		State:         types.DistributionPending,
		AgentStatuses: make(map[uuid.UUID]*types.AgentDistributionStatus, len(agents)),
		InitiatedAt:   now,
		InitiatedBy:   initiatedBy,
	}
	for _, agent := range agents {
		dist.AgentStatuses[agent.Identity.ID] = &types.AgentDistributionStatus{
			AgentID:       agent.Identity.ID,
			State:         types.AgentDistributionPending,
			PolicyVersion: version,
			StartedAt:     now,
		}
	}
	dist.State = types.DistributionInProgress
	started := time.Now()
	dist.StartedAt = &started
	d.active[dist.ID] = dist
	d.mu.Unlock()

	d.logger.Info("distribution started",
		zap.String("distribution_id", dist.ID.String()),
		zap.String("policy", policy.Name),
		zap.Int("version", version),
		zap.Int("agents", len(agents)),
		zap.String("initiated_by", initiatedBy),
	)

	d.dispatch(ctx, dist.ID, agents)
	go d.awaitAcknowledgements(dist.ID)

	return d.snapshot(dist.ID)
}

// dispatch sends the policy to agents in chunks of
// MaxConcurrentDistributions, each chunk as parallel tasks.
func (d *Distributor) dispatch(ctx context.Context, distID uuid.UUID, agents []*types.RegisteredAgent) {
	chunkSize := d.cfg.MaxConcurrentDistributions
	for start := 0; start < len(agents); start += chunkSize {
		end := start + chunkSize
		if end > len(agents) {
			end = len(agents)
		}
		var wg sync.WaitGroup
		for _, agent := range agents[start:end] {
			wg.Add(1)
			go func(agent *types.RegisteredAgent) {
				defer wg.Done()
				d.dispatchToAgent(ctx, distID, agent)
			}(agent)
		}
		wg.Wait()
	}
}

func (d *Distributor) dispatchToAgent(ctx context.Context, distID uuid.UUID, agent *types.RegisteredAgent) {
	id := agent.Identity.ID
	if agent.ConnectionState != types.ConnectionActive {
		d.updateAgentState(distID, id, func(s *types.AgentDistributionStatus) {
			s.State = types.AgentDistributionFailed
			s.ErrorMessage = fmt.Sprintf("agent is %s", agent.ConnectionState)
			now := time.Now()
			s.CompletedAt = &now
		})
		return
	}

	d.updateAgentState(distID, id, func(s *types.AgentDistributionStatus) {
		s.State = types.AgentDistributionInProgress
	})

	dist, err := d.snapshot(distID)
	if err != nil {
		return
	}
	if err := d.transport.DeliverPolicy(ctx, id, dist); err != nil {
		d.logger.Error("policy delivery failed",
			zap.String("distribution_id", distID.String()),
			zap.String("agent_id", id.String()),
			zap.Error(err),
		)
		d.updateAgentState(distID, id, func(s *types.AgentDistributionStatus) {
			s.State = types.AgentDistributionFailed
			s.ErrorMessage = err.Error()
			now := time.Now()
			s.CompletedAt = &now
		})
	}
}

// awaitAcknowledgements waits out the acknowledgement window, then fails
// anything still in progress and finalizes. Acknowledge may have already
// archived the distribution; then this is a no-op.
func (d *Distributor) awaitAcknowledgements(distID uuid.UUID) {
	timer := time.NewTimer(d.cfg.AcknowledgementTimeout)
	defer timer.Stop()
	<-timer.C

	d.mu.Lock()
	defer d.mu.Unlock()
	dist, ok := d.active[distID]
	if !ok {
		return
	}
	for _, s := range dist.AgentStatuses {
		if s.State == types.AgentDistributionInProgress || s.State == types.AgentDistributionPending {
			s.State = types.AgentDistributionFailed
			s.ErrorMessage = "Acknowledgement timeout"
			now := time.Now()
			s.CompletedAt = &now
		}
	}
	d.finalizeLocked(dist)
}

// finalizeLocked computes the terminal state and archives. Caller holds the
// mutex; no pending or in_progress entries may remain.
func (d *Distributor) finalizeLocked(dist *types.DistributionStatus) {
	total := dist.TotalAgents()
	switch {
	case dist.SuccessfulAgents() == total:
		dist.State = types.DistributionCompleted
	case dist.SuccessRate() >= d.cfg.MinimumSuccessRate:
		dist.State = types.DistributionPartiallyCompleted
	default:
		dist.State = types.DistributionFailed
	}
	now := time.Now()
	dist.CompletedAt = &now
	d.archiveLocked(dist)

	d.logger.Info("distribution finalized",
		zap.String("distribution_id", dist.ID.String()),
		zap.String("state", string(dist.State)),
		zap.Float64("success_rate", dist.SuccessRate()),
	)
}

func (d *Distributor) archiveLocked(dist *types.DistributionStatus) {
	delete(d.active, dist.ID)
	d.history = append([]*types.DistributionStatus{dist}, d.history...)
	if len(d.history) > d.cfg.HistorySize {
		d.history = d.history[:d.cfg.HistorySize]
	}
}

// Acknowledge records an agent's confirmation that it applied the policy.
// When the last outstanding entry resolves, the distribution finalizes.
func (d *Distributor) Acknowledge(ctx context.Context, agentID, distributionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dist, ok := d.active[distributionID]
	if !ok {
		return ErrDistributionNotFound
	}
	entry, ok := dist.AgentStatuses[agentID]
	if !ok {
		return ErrAgentNotInDistribution
	}

	now := time.Now()
	entry.Acknowledged = true
	entry.AcknowledgedAt = &now
	entry.State = types.AgentDistributionCompleted
	entry.CompletedAt = &now

	d.checkCompletionLocked(dist)
	return nil
}

// checkCompletionLocked finalizes the distribution once no entries remain
// pending or in progress.
func (d *Distributor) checkCompletionLocked(dist *types.DistributionStatus) {
	for _, s := range dist.AgentStatuses {
		if s.State == types.AgentDistributionPending || s.State == types.AgentDistributionInProgress {
			return
		}
	}
	d.finalizeLocked(dist)
}

// Cancel aborts an active distribution. Every unresolved per-agent entry
// becomes cancelled. Cancelling an already-cancelled distribution is a
// no-op.
func (d *Distributor) Cancel(distributionID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	dist, ok := d.active[distributionID]
	if !ok {
		archived := d.findHistoryLocked(distributionID)
		if archived == nil {
			return ErrDistributionNotFound
		}
		if archived.State == types.DistributionCancelled {
			return nil
		}
		return &StateError{ID: distributionID, State: archived.State, Action: "cancel"}
	}
	if dist.State != types.DistributionPending && dist.State != types.DistributionInProgress {
		return &StateError{ID: distributionID, State: dist.State, Action: "cancel"}
	}

	now := time.Now()
	for _, s := range dist.AgentStatuses {
		if s.State == types.AgentDistributionPending || s.State == types.AgentDistributionInProgress {
			s.State = types.AgentDistributionCancelled
			s.CompletedAt = &now
		}
	}
	dist.State = types.DistributionCancelled
	dist.CompletedAt = &now
	d.archiveLocked(dist)

	d.logger.Info("distribution cancelled", zap.String("distribution_id", distributionID.String()))
	return nil
}

// Rollback records rollback intent for a finished distribution. The agent
// side effect is the transport's responsibility.
func (d *Distributor) Rollback(ctx context.Context, distributionID uuid.UUID) error {
	d.mu.Lock()
	dist := d.findHistoryLocked(distributionID)
	if dist == nil {
		d.mu.Unlock()
		return ErrDistributionNotFound
	}
	if dist.State != types.DistributionCompleted && dist.State != types.DistributionPartiallyCompleted {
		state := dist.State
		d.mu.Unlock()
		return &StateError{ID: distributionID, State: state, Action: "rollback"}
	}
	dist.State = types.DistributionRollingBack
	snapshot := dist.Clone()
	d.mu.Unlock()

	for agentID, s := range snapshot.AgentStatuses {
		if s.State != types.AgentDistributionCompleted {
			continue
		}
		if err := d.transport.DeliverRollback(ctx, agentID, snapshot); err != nil {
			d.logger.Error("rollback delivery failed",
				zap.String("distribution_id", distributionID.String()),
				zap.String("agent_id", agentID.String()),
				zap.Error(err),
			)
		}
	}

	d.mu.Lock()
	dist.State = types.DistributionRolledBack
	d.mu.Unlock()

	d.logger.Info("distribution rolled back", zap.String("distribution_id", distributionID.String()))
	return nil
}

// RetryFailed re-dispatches the failed entries of an archived distribution.
// Entries past the retry budget stay failed; if none are eligible the call
// fails with ErrMaxRetriesExceeded.
func (d *Distributor) RetryFailed(ctx context.Context, distributionID uuid.UUID) (*types.DistributionStatus, error) {
	d.mu.Lock()
	dist := d.findHistoryLocked(distributionID)
	if dist == nil {
		d.mu.Unlock()
		return nil, ErrDistributionNotFound
	}

	var retryIDs []uuid.UUID
	for id, s := range dist.AgentStatuses {
		if s.State != types.AgentDistributionFailed {
			continue
		}
		if s.RetryCount >= d.cfg.MaxRetryAttempts {
			continue
		}
		s.State = types.AgentDistributionPending
		s.RetryCount++
		s.ErrorMessage = ""
		s.CompletedAt = nil
		retryIDs = append(retryIDs, id)
	}
	if len(retryIDs) == 0 {
		d.mu.Unlock()
		return nil, ErrMaxRetriesExceeded
	}

	// Move back from history to the active map for the retry round.
	for i, h := range d.history {
		if h.ID == distributionID {
			d.history = append(d.history[:i], d.history[i+1:]...)
			break
		}
	}
	dist.State = types.DistributionInProgress
	dist.CompletedAt = nil
	d.active[dist.ID] = dist
	d.mu.Unlock()

	d.logger.Info("retrying failed agents",
		zap.String("distribution_id", distributionID.String()),
		zap.Int("agents", len(retryIDs)),
	)

	var agents []*types.RegisteredAgent
	for _, id := range retryIDs {
		agent, err := d.directory.Get(ctx, id)
		if err != nil {
			d.updateAgentState(distributionID, id, func(s *types.AgentDistributionStatus) {
				s.State = types.AgentDistributionFailed
				s.ErrorMessage = "agent no longer registered"
				now := time.Now()
				s.CompletedAt = &now
			})
			continue
		}
		agents = append(agents, agent)
	}
	d.dispatch(ctx, distributionID, agents)
	go d.awaitAcknowledgements(distributionID)

	return d.snapshot(distributionID)
}

// ResolveTarget expands a target construct into a deduplicated agent set.
func (d *Distributor) ResolveTarget(ctx context.Context, target types.DistributionTarget) ([]*types.RegisteredAgent, error) {
	seen := mapset.NewSet[uuid.UUID]()
	var out []*types.RegisteredAgent
	add := func(agents ...*types.RegisteredAgent) {
		for _, a := range agents {
			if seen.Add(a.Identity.ID) {
				out = append(out, a)
			}
		}
	}

	switch target.Kind {
	case types.TargetAll:
		agents, err := d.directory.List(ctx)
		if err != nil {
			return nil, err
		}
		add(agents...)

	case types.TargetAgents:
		for _, id := range target.AgentIDs {
			agent, err := d.directory.Get(ctx, id)
			if err != nil {
				continue // unknown ids are silently dropped
			}
			add(agent)
		}

	case types.TargetTags:
		for _, tag := range target.Tags {
			agents, err := d.directory.ListByTag(ctx, tag)
			if err != nil {
				return nil, err
			}
			add(agents...)
		}

	case types.TargetCapabilities:
		for _, capability := range target.Capabilities {
			agents, err := d.directory.ListByCapability(ctx, capability)
			if err != nil {
				return nil, err
			}
			add(agents...)
		}

	case types.TargetFilter:
		agents, err := d.directory.List(ctx)
		if err != nil {
			return nil, err
		}
		add(applyFilter(agents, target.Filter)...)

	case types.TargetCombined:
		for i := range target.Targets {
			agents, err := d.ResolveTarget(ctx, target.Targets[i])
			if err != nil {
				return nil, err
			}
			add(agents...)
		}

	default:
		return nil, fmt.Errorf("unknown target kind: %q", target.Kind)
	}

	return out, nil
}

// applyFilter narrows agents by each set criterion in order, then applies
// the cap.
func applyFilter(agents []*types.RegisteredAgent, f *types.AgentFilter) []*types.RegisteredAgent {
	excluded := mapset.NewSet[uuid.UUID]()
	for _, id := range f.ExcludeAgentIDs {
		excluded.Add(id)
	}

	var out []*types.RegisteredAgent
	for _, a := range agents {
		if f.ConnectionState != nil && a.ConnectionState != *f.ConnectionState {
			continue
		}
		if !hasAllTags(a, f.RequiredTags) {
			continue
		}
		if !a.HasCapabilities(f.RequiredCapabilities) {
			continue
		}
		if excluded.Contains(a.Identity.ID) {
			continue
		}
		if f.RegisteredAfter != nil && !a.RegisteredAt.After(*f.RegisteredAfter) {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

func hasAllTags(a *types.RegisteredAgent, tags []string) bool {
	for _, t := range tags {
		if !a.Identity.HasTag(t) {
			return false
		}
	}
	return true
}

// Get returns a distribution by ID, active or archived.
func (d *Distributor) Get(distributionID uuid.UUID) (*types.DistributionStatus, error) {
	return d.snapshot(distributionID)
}

// Active returns the in-flight distributions.
func (d *Distributor) Active() []*types.DistributionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*types.DistributionStatus, 0, len(d.active))
	for _, dist := range d.active {
		out = append(out, dist.Clone())
	}
	return out
}

// History returns up to limit archived distributions, newest first.
// limit <= 0 returns everything.
func (d *Distributor) History(limit int) []*types.DistributionStatus {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.DistributionStatus, 0, n)
	for _, dist := range d.history[:n] {
		out = append(out, dist.Clone())
	}
	return out
}

// PolicyVersion returns the current version of a policy name, zero if it
// was never distributed.
func (d *Distributor) PolicyVersion(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.versions[name]
}

// PendingPolicies lists the policy names with unresolved deliveries for an
// agent. Feeds heartbeat responses.
func (d *Distributor) PendingPolicies(agentID uuid.UUID) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	var names []string
	for _, dist := range d.active {
		s, ok := dist.AgentStatuses[agentID]
		if !ok {
			continue
		}
		if s.State == types.AgentDistributionPending || s.State == types.AgentDistributionInProgress {
			names = append(names, dist.PolicyName)
		}
	}
	return names
}

// PendingCommands is empty; command queueing lives outside the distributor.
func (d *Distributor) PendingCommands(agentID uuid.UUID) []string {
	return nil
}

func (d *Distributor) snapshot(distributionID uuid.UUID) (*types.DistributionStatus, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if dist, ok := d.active[distributionID]; ok {
		return dist.Clone(), nil
	}
	if dist := d.findHistoryLocked(distributionID); dist != nil {
		return dist.Clone(), nil
	}
	return nil, ErrDistributionNotFound
}

func (d *Distributor) findHistoryLocked(distributionID uuid.UUID) *types.DistributionStatus {
	for _, dist := range d.history {
		if dist.ID == distributionID {
			return dist
		}
	}
	return nil
}

func (d *Distributor) updateAgentState(distributionID, agentID uuid.UUID, fn func(*types.AgentDistributionStatus)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	dist, ok := d.active[distributionID]
	if !ok {
		return
	}
	if s, ok := dist.AgentStatuses[agentID]; ok {
		fn(s)
	}
}
