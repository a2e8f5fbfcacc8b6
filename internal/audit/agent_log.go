package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/pkg/types"
)

// AgentLogConfig configures the agent audit trail.
type AgentLogConfig struct {
	Capacity int
	Logger   *zap.Logger
	Writer   Writer // optional
	Store    Store  // optional durable backend; entries are mirrored into it
}

// AgentLog is a bounded deque of agent events, newest first.
type AgentLog struct {
	mu       sync.RWMutex
	entries  []types.AgentAuditEntry
	capacity int
	logger   *zap.Logger
	writer   Writer
	store    Store
}

// NewAgentLog creates an agent audit trail.
func NewAgentLog(cfg AgentLogConfig) *AgentLog {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &AgentLog{
		entries:  make([]types.AgentAuditEntry, 0, cfg.Capacity),
		capacity: cfg.Capacity,
		logger:   cfg.Logger,
		writer:   cfg.Writer,
		store:    cfg.Store,
	}
}

// Record appends an agent event to the trail.
func (l *AgentLog) Record(agentID uuid.UUID, severity types.AuditSeverity, category, message string) {
	entry := types.AgentAuditEntry{
		ID:        uuid.New(),
		Timestamp: time.Now(),
		AgentID:   agentID,
		Severity:  severity,
		Category:  category,
		Message:   message,
	}

	l.mu.Lock()
	l.entries = append([]types.AgentAuditEntry{entry}, l.entries...)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	l.mu.Unlock()

	if l.writer != nil {
		if err := l.writer.Write(entry); err != nil {
			l.logger.Warn("agent audit write failed", zap.Error(err))
		}
	}
	if l.store != nil {
		if err := l.store.Insert(entry); err != nil {
			l.logger.Warn("agent audit store insert failed", zap.Error(err))
		}
	}
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (l *AgentLog) Entries(limit int) []types.AgentAuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.AgentAuditEntry, n)
	copy(out, l.entries[:n])
	return out
}

// QueryRange returns entries with timestamps in the inclusive [start, end].
func (l *AgentLog) QueryRange(start, end time.Time) []types.AgentAuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.AgentAuditEntry
	for _, e := range l.entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out
}

// LatestBySeverity returns up to limit entries of the given severity,
// newest first.
func (l *AgentLog) LatestBySeverity(severity types.AuditSeverity, limit int) []types.AgentAuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.AgentAuditEntry
	for _, e := range l.entries {
		if e.Severity != severity {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// TopAgents returns the agents with the most entries in [start, end],
// descending, capped at limit.
func (l *AgentLog) TopAgents(start, end time.Time, limit int) []types.AgentEntryCount {
	counts := make(map[uuid.UUID]int)
	for _, e := range l.QueryRange(start, end) {
		counts[e.AgentID]++
	}

	out := make([]types.AgentEntryCount, 0, len(counts))
	for id, n := range counts {
		out = append(out, types.AgentEntryCount{AgentID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].AgentID.String() < out[j].AgentID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Len returns the number of retained entries.
func (l *AgentLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
