package types

import (
	"time"

	"github.com/google/uuid"
)

// ComplianceLevel buckets an overall score into reporting bands.
type ComplianceLevel string

const (
	ComplianceCompliant    ComplianceLevel = "compliant"
	CompliancePartial      ComplianceLevel = "partially_compliant"
	ComplianceNonCompliant ComplianceLevel = "non_compliant"
	ComplianceCritical     ComplianceLevel = "critical"
)

// ComplianceLevelForScore maps a [0,100] score to its band.
// compliant [90,100], partially [70,90), non-compliant [50,70),
// critical [0,50).
func ComplianceLevelForScore(score float64) ComplianceLevel {
	switch {
	case score >= 90:
		return ComplianceCompliant
	case score >= 70:
		return CompliancePartial
	case score >= 50:
		return ComplianceNonCompliant
	default:
		return ComplianceCritical
	}
}

// ComplianceScore is the weighted per-agent compliance assessment.
// All sub-scores and the overall are clamped to [0,100].
type ComplianceScore struct {
	AgentID            uuid.UUID      `json:"agentId"`
	PolicyScore        float64        `json:"policyScore"`
	HealthScore        float64        `json:"healthScore"`
	ConnectivityScore  float64        `json:"connectivityScore"`
	Overall            float64        `json:"overall"`
	ActivePolicies     int            `json:"activePolicies"`
	PoliciesWithIssues int            `json:"policiesWithIssues"`
	TimeSinceHeartbeat *time.Duration `json:"timeSinceHeartbeat,omitempty"`
	CalculatedAt       time.Time      `json:"calculatedAt"`
}

// Level returns the compliance band for the overall score.
func (s *ComplianceScore) Level() ComplianceLevel {
	return ComplianceLevelForScore(s.Overall)
}

// FleetOverview aggregates compliance across the whole fleet.
type FleetOverview struct {
	GeneratedAt          time.Time               `json:"generatedAt"`
	TotalAgents          int                     `json:"totalAgents"`
	ActiveAgents         int                     `json:"activeAgents"`
	OfflineAgents        int                     `json:"offlineAgents"`
	AverageScore         float64                 `json:"averageScore"`
	CompliantAgents      int                     `json:"compliantAgents"`
	LevelCounts          map[ComplianceLevel]int `json:"levelCounts"`
	PolicyDeployments    int                     `json:"policyDeployments"`
	SuccessfulRollouts   int                     `json:"successfulRollouts"`
	FailedRollouts       int                     `json:"failedRollouts"`
	TotalBytesFreed      int64                   `json:"totalBytesFreed"`
	TotalCleanupCount    int                     `json:"totalCleanupCount"`
}

// AgentReport is the per-agent compliance and cleanup detail.
type AgentReport struct {
	GeneratedAt     time.Time       `json:"generatedAt"`
	AgentID         uuid.UUID       `json:"agentId"`
	Hostname        string          `json:"hostname"`
	ConnectionState ConnectionState `json:"connectionState"`
	HealthStatus    HealthStatus    `json:"healthStatus"`
	Score           ComplianceScore `json:"score"`
	Level           ComplianceLevel `json:"level"`
	FreedBytes      int64           `json:"freedBytes"`
	CleanupCount    int             `json:"cleanupCount"`
	DiskUsagePct    float64         `json:"diskUsagePercent"`
	LastHeartbeat   *time.Time      `json:"lastHeartbeat,omitempty"`
}

// PolicyExecutionState is the report-facing per-agent rollout state.
type PolicyExecutionState string

const (
	ExecutionPending   PolicyExecutionState = "pending"
	ExecutionExecuting PolicyExecutionState = "executing"
	ExecutionCompleted PolicyExecutionState = "completed"
	ExecutionFailed    PolicyExecutionState = "failed"
	ExecutionSkipped   PolicyExecutionState = "skipped"
)

// PolicyExecutionEntry is one agent's row in a policy execution report.
type PolicyExecutionEntry struct {
	AgentID      uuid.UUID            `json:"agentId"`
	State        PolicyExecutionState `json:"state"`
	RetryCount   int                  `json:"retryCount"`
	ErrorMessage string               `json:"errorMessage,omitempty"`
	CompletedAt  *time.Time           `json:"completedAt,omitempty"`
}

// PolicyExecutionReport maps one distribution into report form.
type PolicyExecutionReport struct {
	GeneratedAt    time.Time              `json:"generatedAt"`
	DistributionID uuid.UUID              `json:"distributionId"`
	PolicyName     string                 `json:"policyName"`
	PolicyVersion  int                    `json:"policyVersion"`
	State          DistributionState      `json:"state"`
	Entries        []PolicyExecutionEntry `json:"entries"`
	SuccessRate    float64                `json:"successRate"`
}

// AuditLogSummary buckets audit entries over an inclusive time range.
type AuditLogSummary struct {
	GeneratedAt     time.Time         `json:"generatedAt"`
	Start           time.Time         `json:"start"`
	End             time.Time         `json:"end"`
	TotalEntries    int               `json:"totalEntries"`
	BySeverity      map[string]int    `json:"bySeverity"`
	ByCategory      map[string]int    `json:"byCategory"`
	TopAgents       []AgentEntryCount `json:"topAgents"`
	LatestCritical  []AgentAuditEntry `json:"latestCritical"`
}

// AgentEntryCount pairs an agent with its audit entry count.
type AgentEntryCount struct {
	AgentID uuid.UUID `json:"agentId"`
	Count   int       `json:"count"`
}
