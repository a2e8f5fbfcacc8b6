package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/macsweep/control-plane/pkg/types"
)

// Store is the storage seam for durable agent audit entries. The in-memory
// AgentLog works without one; a Postgres-backed deployment plugs this in.
type Store interface {
	Insert(entry types.AgentAuditEntry) error
	Query(ctx context.Context, start, end time.Time) ([]types.AgentAuditEntry, error)
}

// PostgresStore persists agent audit entries in PostgreSQL. The caller
// opens the *sql.DB with the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the audit table if it does not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_audit_entries (
			id         UUID PRIMARY KEY,
			ts         TIMESTAMPTZ NOT NULL,
			agent_id   UUID NOT NULL,
			severity   TEXT NOT NULL,
			category   TEXT NOT NULL,
			message    TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS agent_audit_entries_ts_idx
			ON agent_audit_entries (ts);
	`)
	if err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

// Insert stores one audit entry.
func (s *PostgresStore) Insert(entry types.AgentAuditEntry) error {
	_, err := s.db.Exec(`
		INSERT INTO agent_audit_entries (id, ts, agent_id, severity, category, message)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.ID, entry.Timestamp, entry.AgentID, string(entry.Severity), entry.Category, entry.Message)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries with timestamps in the inclusive [start, end],
// newest first.
func (s *PostgresStore) Query(ctx context.Context, start, end time.Time) ([]types.AgentAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, agent_id, severity, category, message
		FROM agent_audit_entries
		WHERE ts >= $1 AND ts <= $2
		ORDER BY ts DESC
	`, start, end)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []types.AgentAuditEntry
	for rows.Next() {
		var e types.AgentAuditEntry
		var severity string
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.AgentID, &severity, &e.Category, &e.Message); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Severity = types.AuditSeverity(severity)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
