package compliance

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/macsweep/control-plane/pkg/types"
)

// ExportJSON renders any report in canonical indented JSON. Timestamps
// marshal as RFC 3339.
func ExportJSON(report interface{}) ([]byte, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export report as JSON: %w", err)
	}
	return data, nil
}

// ExportFleetCSV renders a fleet overview as a two-row CSV document.
func ExportFleetCSV(o *types.FleetOverview) ([]byte, error) {
	return writeCSV([][]string{
		{
			"generated_at", "total_agents", "active_agents", "offline_agents",
			"average_score", "compliant_agents", "policy_deployments",
			"successful_rollouts", "failed_rollouts", "total_bytes_freed",
			"total_cleanup_count",
		},
		{
			o.GeneratedAt.Format(time.RFC3339),
			strconv.Itoa(o.TotalAgents),
			strconv.Itoa(o.ActiveAgents),
			strconv.Itoa(o.OfflineAgents),
			formatScore(o.AverageScore),
			strconv.Itoa(o.CompliantAgents),
			strconv.Itoa(o.PolicyDeployments),
			strconv.Itoa(o.SuccessfulRollouts),
			strconv.Itoa(o.FailedRollouts),
			strconv.FormatInt(o.TotalBytesFreed, 10),
			strconv.Itoa(o.TotalCleanupCount),
		},
	})
}

// ExportAgentReportsCSV renders per-agent reports as CSV, one row per agent.
func ExportAgentReportsCSV(reports []types.AgentReport) ([]byte, error) {
	rows := [][]string{{
		"agent_id", "hostname", "connection_state", "health_status",
		"overall_score", "policy_score", "health_score", "connectivity_score",
		"level", "freed_bytes", "cleanup_count", "disk_usage_percent",
		"last_heartbeat",
	}}
	for _, r := range reports {
		lastHeartbeat := ""
		if r.LastHeartbeat != nil {
			lastHeartbeat = r.LastHeartbeat.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			r.AgentID.String(),
			r.Hostname,
			string(r.ConnectionState),
			string(r.HealthStatus),
			formatScore(r.Score.Overall),
			formatScore(r.Score.PolicyScore),
			formatScore(r.Score.HealthScore),
			formatScore(r.Score.ConnectivityScore),
			string(r.Level),
			strconv.FormatInt(r.FreedBytes, 10),
			strconv.Itoa(r.CleanupCount),
			formatScore(r.DiskUsagePct),
			lastHeartbeat,
		})
	}
	return writeCSV(rows)
}

// ExportExecutionCSV renders a policy execution report as CSV, one row per
// agent entry.
func ExportExecutionCSV(report *types.PolicyExecutionReport) ([]byte, error) {
	rows := [][]string{{
		"distribution_id", "policy_name", "policy_version", "agent_id",
		"state", "retry_count", "error_message", "completed_at",
	}}
	for _, e := range report.Entries {
		completedAt := ""
		if e.CompletedAt != nil {
			completedAt = e.CompletedAt.Format(time.RFC3339)
		}
		rows = append(rows, []string{
			report.DistributionID.String(),
			report.PolicyName,
			strconv.Itoa(report.PolicyVersion),
			e.AgentID.String(),
			string(e.State),
			strconv.Itoa(e.RetryCount),
			e.ErrorMessage,
			completedAt,
		})
	}
	return writeCSV(rows)
}

// ExportAuditCSV renders agent audit entries as CSV, one row per entry.
func ExportAuditCSV(entries []types.AgentAuditEntry) ([]byte, error) {
	rows := [][]string{{
		"id", "timestamp", "agent_id", "severity", "category", "message",
	}}
	for _, e := range entries {
		rows = append(rows, []string{
			e.ID.String(),
			e.Timestamp.Format(time.RFC3339),
			e.AgentID.String(),
			string(e.Severity),
			e.Category,
			e.Message,
		})
	}
	return writeCSV(rows)
}

// writeCSV renders rows with RFC 4180 quoting: fields containing commas or
// quotes are enclosed in quotes and embedded quotes are doubled.
func writeCSV(rows [][]string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("export report as CSV: %w", err)
	}
	return buf.Bytes(), nil
}

func formatScore(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}
