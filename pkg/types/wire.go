// Package types provides the shared domain model of the fleet control plane.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProtocolVersion is the agent/server protocol version, carried in the
// X-Protocol-Version header as "major.minor.patch".
type ProtocolVersion struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
	Patch int `json:"patch"`
}

// CurrentProtocolVersion is the version this server speaks.
var CurrentProtocolVersion = ProtocolVersion{Major: 1, Minor: 0, Patch: 0}

// ProtocolVersionHeader is the HTTP header carrying the protocol version.
const ProtocolVersionHeader = "X-Protocol-Version"

// String renders the version as "major.minor.patch".
func (v ProtocolVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// ParseProtocolVersion parses "major.minor.patch".
func ParseProtocolVersion(s string) (ProtocolVersion, error) {
	var v ProtocolVersion
	if _, err := fmt.Sscanf(s, "%d.%d.%d", &v.Major, &v.Minor, &v.Patch); err != nil {
		return ProtocolVersion{}, fmt.Errorf("invalid protocol version %q: %w", s, err)
	}
	return v, nil
}

// API error code constants.
const (
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeForbidden      = "FORBIDDEN"
	CodeNotFound       = "NOT_FOUND"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeServerError    = "SERVER_ERROR"
)

// ServerMessage is the envelope for server-originated messages to agents.
type ServerMessage struct {
	MessageID       uuid.UUID       `json:"messageId"`
	Type            string          `json:"type"`
	ProtocolVersion ProtocolVersion `json:"protocolVersion"`
	AgentID         uuid.UUID       `json:"agentId"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
	CorrelationID   string          `json:"correlationId,omitempty"`
}

// ErrorDetail carries a machine-readable error in a ServerResponse.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// ServerResponse is the uniform API response envelope.
type ServerResponse struct {
	Success       bool            `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         *ErrorDetail    `json:"error,omitempty"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// RegistrationRequest is an agent's registration payload.
type RegistrationRequest struct {
	Identity     AgentIdentity `json:"identity"`
	Capabilities []string      `json:"capabilities"`
}

// RegistrationResult reports the outcome of a registration attempt.
type RegistrationResult struct {
	Success           bool          `json:"success"`
	Pending           bool          `json:"pending,omitempty"`
	AgentID           uuid.UUID     `json:"agentId,omitempty"`
	AuthToken         string        `json:"authToken,omitempty"`
	TokenExpiresAt    time.Time     `json:"tokenExpiresAt,omitempty"`
	HeartbeatInterval time.Duration `json:"heartbeatInterval,omitempty"`
	ServerVersion     string        `json:"serverVersion,omitempty"`
	Message           string        `json:"message,omitempty"`
}

// HeartbeatRequest is the agent's periodic liveness report.
type HeartbeatRequest struct {
	Status AgentStatus `json:"status"`
}

// HeartbeatResponse acknowledges a heartbeat and carries pending work.
type HeartbeatResponse struct {
	Acknowledged    bool          `json:"acknowledged"`
	ServerTime      time.Time     `json:"serverTime"`
	PendingPolicies []string      `json:"pendingPolicies"`
	PendingCommands []string      `json:"pendingCommands"`
	NextHeartbeat   time.Duration `json:"nextHeartbeat"`
}

// RegistryStatistics summarizes the fleet by state and health.
type RegistryStatistics struct {
	TotalAgents   int                     `json:"totalAgents"`
	ByState       map[ConnectionState]int `json:"byState"`
	ByHealth      map[HealthStatus]int    `json:"byHealth"`
	WithHeartbeat int                     `json:"withHeartbeat"`
}
