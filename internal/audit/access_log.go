// Package audit keeps bounded in-memory audit trails for access decisions
// and agent events, with optional writers for externalizing entries.
package audit

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/macsweep/control-plane/pkg/types"
)

// AccessLogConfig configures the access audit trail.
type AccessLogConfig struct {
	Capacity      int
	RecordAllowed bool // when false, only denials are recorded
	Logger        *zap.Logger
	Writer        Writer // optional; receives every recorded entry
}

// DefaultAccessLogConfig returns the default access log configuration.
func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{
		Capacity:      1000,
		RecordAllowed: true,
	}
}

// AccessLog is a bounded deque of authorization evaluations, newest first.
type AccessLog struct {
	mu            sync.RWMutex
	entries       []types.AccessAuditEntry
	capacity      int
	recordAllowed bool
	logger        *zap.Logger
	writer        Writer
}

// NewAccessLog creates an access audit trail.
func NewAccessLog(cfg AccessLogConfig) *AccessLog {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 1000
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &AccessLog{
		entries:       make([]types.AccessAuditEntry, 0, cfg.Capacity),
		capacity:      cfg.Capacity,
		recordAllowed: cfg.RecordAllowed,
		logger:        cfg.Logger,
		writer:        cfg.Writer,
	}
}

// Record inserts an evaluation at the head of the deque. Denied evaluations
// are additionally logged at warning severity.
func (l *AccessLog) Record(entry types.AccessAuditEntry) {
	if entry.Allowed && !l.recordAllowed {
		return
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	l.mu.Lock()
	l.entries = append([]types.AccessAuditEntry{entry}, l.entries...)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[:l.capacity]
	}
	l.mu.Unlock()

	if !entry.Allowed {
		l.logger.Warn("access denied",
			zap.String("user_id", entry.UserID),
			zap.String("resource", entry.Resource),
			zap.String("method", entry.Method),
			zap.String("reason", entry.Reason),
		)
	}
	if l.writer != nil {
		if err := l.writer.Write(entry); err != nil {
			l.logger.Warn("access audit write failed", zap.Error(err))
		}
	}
}

// Entries returns up to limit entries, newest first. limit <= 0 returns all.
func (l *AccessLog) Entries(limit int) []types.AccessAuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := len(l.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.AccessAuditEntry, n)
	copy(out, l.entries[:n])
	return out
}

// QueryRange returns entries with timestamps in the inclusive [start, end].
func (l *AccessLog) QueryRange(start, end time.Time) []types.AccessAuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []types.AccessAuditEntry
	for _, e := range l.entries {
		if !e.Timestamp.Before(start) && !e.Timestamp.After(end) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of retained entries.
func (l *AccessLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}
