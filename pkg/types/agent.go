package types

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ConnectionState tracks an agent's liveness from the server's perspective.
type ConnectionState string

const (
	ConnectionPending      ConnectionState = "pending"
	ConnectionActive       ConnectionState = "active"
	ConnectionOffline      ConnectionState = "offline"
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionRejected     ConnectionState = "rejected"
)

// HealthStatus is the agent's self-reported health.
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "healthy"
	HealthWarning  HealthStatus = "warning"
	HealthCritical HealthStatus = "critical"
	HealthUnknown  HealthStatus = "unknown"
)

// AgentIdentity is the immutable identity an agent presents at registration.
type AgentIdentity struct {
	ID            uuid.UUID `json:"id"`
	Hostname      string    `json:"hostname"`
	OSVersion     string    `json:"osVersion"`
	AppVersion    string    `json:"appVersion"`
	HardwareModel string    `json:"hardwareModel"`
	SerialHash    string    `json:"serialHash"`
	Username      string    `json:"username"`
	RegisteredAt  time.Time `json:"registeredAt"`
	Tags          []string  `json:"tags,omitempty"`
}

// Validate checks the identity fields required for registration.
func (i *AgentIdentity) Validate() error {
	if i.ID == uuid.Nil {
		return errors.New("agent ID is required")
	}
	if i.Hostname == "" {
		return errors.New("agent hostname is required")
	}
	if i.AppVersion == "" {
		return errors.New("agent app version is required")
	}
	return nil
}

// HasTag reports whether the identity carries the given tag.
func (i *AgentIdentity) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// RegisteredAgent is the registry's authoritative record for one agent.
// AuthToken is an opaque per-agent credential, distinct from user JWTs.
type RegisteredAgent struct {
	Identity        AgentIdentity   `json:"identity"`
	AuthToken       string          `json:"-"`
	TokenExpiresAt  time.Time       `json:"tokenExpiresAt"`
	Capabilities    []string        `json:"capabilities"`
	ConnectionState ConnectionState `json:"connectionState"`
	LatestStatus    *AgentStatus    `json:"latestStatus,omitempty"`
	LastHeartbeat   *time.Time      `json:"lastHeartbeat,omitempty"`
	RegisteredAt    time.Time       `json:"registeredAt"`
}

// HasCapability reports whether the agent advertised the capability.
func (a *RegisteredAgent) HasCapability(capability string) bool {
	for _, c := range a.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

// HasCapabilities reports whether the agent advertised every capability.
func (a *RegisteredAgent) HasCapabilities(capabilities []string) bool {
	for _, c := range capabilities {
		if !a.HasCapability(c) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers cannot mutate registry state.
func (a *RegisteredAgent) Clone() *RegisteredAgent {
	cp := *a
	cp.Identity.Tags = append([]string(nil), a.Identity.Tags...)
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	if a.LatestStatus != nil {
		status := *a.LatestStatus
		cp.LatestStatus = &status
	}
	if a.LastHeartbeat != nil {
		hb := *a.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	return &cp
}

// AgentStatus is a point-in-time status snapshot reported by an agent.
type AgentStatus struct {
	AgentID           uuid.UUID       `json:"agentId"`
	ConnectionState   ConnectionState `json:"connectionState"`
	HealthStatus      HealthStatus    `json:"healthStatus"`
	LastHeartbeat     time.Time       `json:"lastHeartbeat"`
	LastPolicySync    *time.Time      `json:"lastPolicySync,omitempty"`
	ActivePolicyCount int             `json:"activePolicyCount"`
	TotalDiskBytes    int64           `json:"totalDiskBytes"`
	FreeDiskBytes     int64           `json:"freeDiskBytes"`
	FreedBytes        int64           `json:"freedBytes"`
	CleanupCount      int             `json:"cleanupCount"`
	CPUPercent        float64         `json:"cpuPercent"`
	MemoryPercent     float64         `json:"memoryPercent"`
	CapturedAt        time.Time       `json:"capturedAt"`
}

// DiskUsagePercent derives used-disk percentage from the reported totals.
func (s *AgentStatus) DiskUsagePercent() float64 {
	if s.TotalDiskBytes <= 0 {
		return 0
	}
	used := s.TotalDiskBytes - s.FreeDiskBytes
	return float64(used) / float64(s.TotalDiskBytes) * 100
}
