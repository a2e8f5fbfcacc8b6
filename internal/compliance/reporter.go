// Package compliance scores agents and generates fleet reports.
package compliance

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/pkg/types"
)

// Weights distribute the overall score across the three sub-scores. They
// must sum to 1.
type Weights struct {
	Policy       float64 `json:"policy" yaml:"policy"`
	Health       float64 `json:"health" yaml:"health"`
	Connectivity float64 `json:"connectivity" yaml:"connectivity"`
}

// DefaultWeights returns the standard 0.4/0.3/0.3 split.
func DefaultWeights() Weights {
	return Weights{Policy: 0.4, Health: 0.3, Connectivity: 0.3}
}

// Validate checks the weights are non-negative and sum to 1.
func (w Weights) Validate() error {
	if w.Policy < 0 || w.Health < 0 || w.Connectivity < 0 {
		return fmt.Errorf("compliance weights must not be negative")
	}
	sum := w.Policy + w.Health + w.Connectivity
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("compliance weights must sum to 1, got %g", sum)
	}
	return nil
}

// FleetReader is the read-only registry view the reporter consumes.
type FleetReader interface {
	Get(ctx context.Context, id uuid.UUID) (*types.RegisteredAgent, error)
	List(ctx context.Context) ([]*types.RegisteredAgent, error)
	Statistics(ctx context.Context) (*types.RegistryStatistics, error)
}

// DistributionHistory is the distributor view used for rollout counters and
// execution reports.
type DistributionHistory interface {
	History(limit int) []*types.DistributionStatus
	Get(distributionID uuid.UUID) (*types.DistributionStatus, error)
}

// AuditSource supplies agent audit entries for log summaries.
type AuditSource interface {
	QueryRange(start, end time.Time) []types.AgentAuditEntry
	TopAgents(start, end time.Time, limit int) []types.AgentEntryCount
	LatestBySeverity(severity types.AuditSeverity, limit int) []types.AgentAuditEntry
}

// Config configures the reporter.
type Config struct {
	Weights Weights
	// HeartbeatTimeout is the connectivity-score cutoff beyond which a
	// heartbeat is considered effectively lost.
	HeartbeatTimeout time.Duration
	// ScoreCacheTTL bounds how long a cached per-agent score is reused.
	ScoreCacheTTL time.Duration
	Logger        *zap.Logger
}

// DefaultConfig returns the default reporter configuration.
func DefaultConfig() Config {
	return Config{
		Weights:          DefaultWeights(),
		HeartbeatTimeout: 10 * time.Minute,
		ScoreCacheTTL:    30 * time.Second,
	}
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	zero := Weights{}
	if c.Weights == zero {
		c.Weights = DefaultWeights()
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = 10 * time.Minute
	}
	if c.ScoreCacheTTL < 0 {
		return fmt.Errorf("score cache TTL must not be negative")
	}
	return nil
}

// Reporter computes weighted compliance scores and assembles fleet,
// agent, execution, and audit reports.
type Reporter struct {
	mu            sync.Mutex
	cfg           Config
	fleet         FleetReader
	distributions DistributionHistory
	auditLog      AuditSource
	cache         map[uuid.UUID]cachedScore
	logger        *zap.Logger
}

type cachedScore struct {
	score    types.ComplianceScore
	cachedAt time.Time
}

// New creates a compliance reporter. The audit source may be nil when audit
// summaries are not needed.
func New(cfg Config, fleet FleetReader, distributions DistributionHistory, auditLog AuditSource) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid compliance config: %w", err)
	}
	if fleet == nil {
		return nil, fmt.Errorf("fleet reader is required")
	}
	if distributions == nil {
		return nil, fmt.Errorf("distribution history is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Reporter{
		cfg:           cfg,
		fleet:         fleet,
		distributions: distributions,
		auditLog:      auditLog,
		cache:         make(map[uuid.UUID]cachedScore),
		logger:        cfg.Logger,
	}, nil
}

// CalculateScore computes (or returns a cached) compliance score for one
// agent.
func (r *Reporter) CalculateScore(ctx context.Context, agentID uuid.UUID) (*types.ComplianceScore, error) {
	if r.cfg.ScoreCacheTTL > 0 {
		r.mu.Lock()
		if c, ok := r.cache[agentID]; ok && time.Since(c.cachedAt) < r.cfg.ScoreCacheTTL {
			score := c.score
			r.mu.Unlock()
			return &score, nil
		}
		r.mu.Unlock()
	}

	agent, err := r.fleet.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	score := r.scoreAgent(agent)

	if r.cfg.ScoreCacheTTL > 0 {
		r.mu.Lock()
		r.cache[agentID] = cachedScore{score: score, cachedAt: time.Now()}
		r.mu.Unlock()
	}
	return &score, nil
}

// InvalidateScore drops the cached score for an agent.
func (r *Reporter) InvalidateScore(agentID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, agentID)
}

func (r *Reporter) scoreAgent(agent *types.RegisteredAgent) types.ComplianceScore {
	now := time.Now()
	score := types.ComplianceScore{
		AgentID:      agent.Identity.ID,
		CalculatedAt: now,
	}

	score.PolicyScore = clamp(r.policyScore(agent))
	score.HealthScore = clamp(r.healthScore(agent))
	score.ConnectivityScore = clamp(r.connectivityScore(agent, now))
	score.Overall = clamp(
		score.PolicyScore*r.cfg.Weights.Policy +
			score.HealthScore*r.cfg.Weights.Health +
			score.ConnectivityScore*r.cfg.Weights.Connectivity)

	if agent.LatestStatus != nil {
		score.ActivePolicies = agent.LatestStatus.ActivePolicyCount
	}
	if agent.LastHeartbeat != nil {
		elapsed := now.Sub(*agent.LastHeartbeat)
		score.TimeSinceHeartbeat = &elapsed
	}
	return score
}

func (r *Reporter) policyScore(agent *types.RegisteredAgent) float64 {
	if agent.LatestStatus == nil {
		return 50
	}
	return 100
}

func (r *Reporter) healthScore(agent *types.RegisteredAgent) float64 {
	if agent.LatestStatus == nil {
		return 50
	}
	switch agent.LatestStatus.HealthStatus {
	case types.HealthHealthy:
		return 100
	case types.HealthWarning:
		return 70
	case types.HealthCritical:
		return 30
	default:
		return 50
	}
}

func (r *Reporter) connectivityScore(agent *types.RegisteredAgent, now time.Time) float64 {
	if agent.ConnectionState != types.ConnectionActive {
		if agent.ConnectionState == types.ConnectionOffline {
			return 30
		}
		return 0
	}
	if agent.LastHeartbeat == nil {
		return 80
	}
	elapsed := now.Sub(*agent.LastHeartbeat)
	switch {
	case elapsed < time.Minute:
		return 100
	case elapsed < 5*time.Minute:
		return 80
	case elapsed < r.cfg.HeartbeatTimeout:
		return 60
	default:
		return 30
	}
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}

// FleetReport assembles the fleet-wide compliance overview.
func (r *Reporter) FleetReport(ctx context.Context) (*types.FleetOverview, error) {
	stats, err := r.fleet.Statistics(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := r.fleet.List(ctx)
	if err != nil {
		return nil, err
	}

	overview := &types.FleetOverview{
		GeneratedAt:   time.Now(),
		TotalAgents:   stats.TotalAgents,
		ActiveAgents:  stats.ByState[types.ConnectionActive],
		OfflineAgents: stats.ByState[types.ConnectionOffline],
		LevelCounts: map[types.ComplianceLevel]int{
			types.ComplianceCompliant:    0,
			types.CompliancePartial:      0,
			types.ComplianceNonCompliant: 0,
			types.ComplianceCritical:     0,
		},
	}

	var scoreSum float64
	for _, agent := range agents {
		score := r.scoreAgent(agent)
		scoreSum += score.Overall
		overview.LevelCounts[score.Level()]++
		if score.Overall >= 90 {
			overview.CompliantAgents++
		}
		if agent.LatestStatus != nil {
			overview.TotalBytesFreed += agent.LatestStatus.FreedBytes
			overview.TotalCleanupCount += agent.LatestStatus.CleanupCount
		}
	}
	if len(agents) > 0 {
		overview.AverageScore = scoreSum / float64(len(agents))
	}

	for _, dist := range r.distributions.History(0) {
		overview.PolicyDeployments++
		switch dist.State {
		case types.DistributionCompleted, types.DistributionPartiallyCompleted:
			overview.SuccessfulRollouts++
		case types.DistributionFailed:
			overview.FailedRollouts++
		}
	}

	return overview, nil
}

// AgentReport assembles the per-agent compliance detail.
func (r *Reporter) AgentReport(ctx context.Context, agentID uuid.UUID) (*types.AgentReport, error) {
	agent, err := r.fleet.Get(ctx, agentID)
	if err != nil {
		return nil, err
	}
	score := r.scoreAgent(agent)

	report := &types.AgentReport{
		GeneratedAt:     time.Now(),
		AgentID:         agentID,
		Hostname:        agent.Identity.Hostname,
		ConnectionState: agent.ConnectionState,
		HealthStatus:    types.HealthUnknown,
		Score:           score,
		Level:           score.Level(),
		LastHeartbeat:   agent.LastHeartbeat,
	}
	if agent.LatestStatus != nil {
		report.HealthStatus = agent.LatestStatus.HealthStatus
		report.FreedBytes = agent.LatestStatus.FreedBytes
		report.CleanupCount = agent.LatestStatus.CleanupCount
		report.DiskUsagePct = agent.LatestStatus.DiskUsagePercent()
	}
	return report, nil
}

// ExecutionReport maps one distribution's per-agent states into report form.
func (r *Reporter) ExecutionReport(distributionID uuid.UUID) (*types.PolicyExecutionReport, error) {
	dist, err := r.distributions.Get(distributionID)
	if err != nil {
		return nil, err
	}

	report := &types.PolicyExecutionReport{
		GeneratedAt:    time.Now(),
		DistributionID: dist.ID,
		PolicyName:     dist.PolicyName,
		PolicyVersion:  dist.PolicyVersion,
		State:          dist.State,
		SuccessRate:    dist.SuccessRate(),
		Entries:        make([]types.PolicyExecutionEntry, 0, len(dist.AgentStatuses)),
	}
	for _, s := range dist.AgentStatuses {
		report.Entries = append(report.Entries, types.PolicyExecutionEntry{
			AgentID:      s.AgentID,
			State:        executionState(s.State),
			RetryCount:   s.RetryCount,
			ErrorMessage: s.ErrorMessage,
			CompletedAt:  s.CompletedAt,
		})
	}
	return report, nil
}

// executionState maps distributor per-agent states to the report
// vocabulary. Cancelled deliveries surface as skipped.
func executionState(s types.AgentDistributionState) types.PolicyExecutionState {
	switch s {
	case types.AgentDistributionPending:
		return types.ExecutionPending
	case types.AgentDistributionInProgress:
		return types.ExecutionExecuting
	case types.AgentDistributionCompleted:
		return types.ExecutionCompleted
	case types.AgentDistributionFailed:
		return types.ExecutionFailed
	default:
		return types.ExecutionSkipped
	}
}

// AuditSummary buckets agent audit entries over the inclusive [start, end]
// range.
func (r *Reporter) AuditSummary(start, end time.Time, criticalLimit int) (*types.AuditLogSummary, error) {
	if r.auditLog == nil {
		return nil, fmt.Errorf("no audit source configured")
	}
	if criticalLimit <= 0 {
		criticalLimit = 10
	}
	entries := r.auditLog.QueryRange(start, end)

	summary := &types.AuditLogSummary{
		GeneratedAt:    time.Now(),
		Start:          start,
		End:            end,
		TotalEntries:   len(entries),
		BySeverity:     make(map[string]int),
		ByCategory:     make(map[string]int),
		TopAgents:      r.auditLog.TopAgents(start, end, 10),
		LatestCritical: r.auditLog.LatestBySeverity(types.SeverityCritical, criticalLimit),
	}
	for _, e := range entries {
		summary.BySeverity[string(e.Severity)]++
		summary.ByCategory[e.Category]++
	}
	return summary, nil
}
