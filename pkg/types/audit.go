package types

import (
	"time"

	"github.com/google/uuid"
)

// AuditSeverity grades agent audit entries.
type AuditSeverity string

const (
	SeverityDebug    AuditSeverity = "debug"
	SeverityInfo     AuditSeverity = "info"
	SeverityWarning  AuditSeverity = "warning"
	SeverityCritical AuditSeverity = "critical"
)

// AccessAuditEntry records one authorization evaluation.
type AccessAuditEntry struct {
	ID        uuid.UUID `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"userId,omitempty"`
	Username  string    `json:"username,omitempty"`
	Role      Role      `json:"role,omitempty"`
	Resource  string    `json:"resource"`
	Method    string    `json:"method"`
	Allowed   bool      `json:"allowed"`
	Reason    string    `json:"reason,omitempty"`
}

// AgentAuditEntry records one agent-side event of note.
type AgentAuditEntry struct {
	ID        uuid.UUID     `json:"id"`
	Timestamp time.Time     `json:"timestamp"`
	AgentID   uuid.UUID     `json:"agentId"`
	Severity  AuditSeverity `json:"severity"`
	Category  string        `json:"category"`
	Message   string        `json:"message"`
}
