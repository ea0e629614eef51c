// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
)

// AuditTrail persists delegation and workflow settlements to Postgres.
// A trail without a database is a no-op, so the core runs unchanged when
// no DATABASE_URL is configured. Failures to record are logged and never
// block the caller.
type AuditTrail struct {
	db *sql.DB
}

// DelegationAudit is one settled delegation.
type DelegationAudit struct {
	TaskID      string    `json:"task_id"`
	AgentID     string    `json:"agent_id"`
	Status      string    `json:"status"` // completed, failed
	Attempts    int       `json:"attempts"`
	Redelegated bool      `json:"redelegated"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// WorkflowAudit is one settled workflow execution.
type WorkflowAudit struct {
	WorkflowID  string    `json:"workflow_id"`
	Status      string    `json:"status"`
	Steps       int       `json:"steps"`
	CurrentStep int       `json:"current_step"`
	DurationMs  int64     `json:"duration_ms"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewAuditTrail wraps an existing database handle. Pass nil for a no-op
// trail.
func NewAuditTrail(db *sql.DB) *AuditTrail {
	return &AuditTrail{db: db}
}

// OpenAuditTrail connects to the audit database and ensures the schema
// exists. An empty URL yields a no-op trail.
func OpenAuditTrail(databaseURL string) (*AuditTrail, error) {
	if databaseURL == "" {
		return NewAuditTrail(nil), nil
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}

	trail := NewAuditTrail(db)
	if err := trail.EnsureSchema(); err != nil {
		log.Printf("[AUDIT] Failed to create audit tables: %v", err)
	}
	return trail, nil
}

// EnsureSchema creates the audit tables if they don't exist.
func (t *AuditTrail) EnsureSchema() error {
	if t == nil || t.db == nil {
		return nil
	}

	query := `
	CREATE TABLE IF NOT EXISTS delegation_audits (
		id VARCHAR(255) PRIMARY KEY,
		task_id VARCHAR(255) NOT NULL,
		agent_id VARCHAR(255) NOT NULL,
		status VARCHAR(50) NOT NULL,
		attempts INTEGER NOT NULL,
		redelegated BOOLEAN NOT NULL DEFAULT FALSE,
		duration_ms BIGINT,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_delegation_audits_task ON delegation_audits(task_id);
	CREATE INDEX IF NOT EXISTS idx_delegation_audits_created ON delegation_audits(created_at);

	CREATE TABLE IF NOT EXISTS workflow_audits (
		id VARCHAR(255) PRIMARY KEY,
		workflow_id VARCHAR(255) NOT NULL,
		status VARCHAR(50) NOT NULL,
		steps INTEGER NOT NULL,
		current_step INTEGER NOT NULL,
		duration_ms BIGINT,
		error_message TEXT,
		created_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_workflow_audits_workflow ON workflow_audits(workflow_id);
	CREATE INDEX IF NOT EXISTS idx_workflow_audits_created ON workflow_audits(created_at);
	`

	_, err := t.db.Exec(query)
	return err
}

// RecordDelegation records a settled delegation.
func (t *AuditTrail) RecordDelegation(audit DelegationAudit) error {
	if t == nil || t.db == nil {
		return nil
	}
	if audit.Timestamp.IsZero() {
		audit.Timestamp = time.Now().UTC()
	}

	_, err := t.db.Exec(`
		INSERT INTO delegation_audits (
			id, task_id, agent_id, status, attempts, redelegated,
			duration_ms, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, uuid.New().String(), audit.TaskID, audit.AgentID, audit.Status,
		audit.Attempts, audit.Redelegated, audit.DurationMs,
		nullString(audit.Error), audit.Timestamp)

	if err != nil {
		log.Printf("[AUDIT] Failed to record delegation %s: %v", audit.TaskID, err)
	}
	return err
}

// RecordWorkflow records a settled workflow execution.
func (t *AuditTrail) RecordWorkflow(audit WorkflowAudit) error {
	if t == nil || t.db == nil {
		return nil
	}
	if audit.Timestamp.IsZero() {
		audit.Timestamp = time.Now().UTC()
	}

	_, err := t.db.Exec(`
		INSERT INTO workflow_audits (
			id, workflow_id, status, steps, current_step,
			duration_ms, error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, uuid.New().String(), audit.WorkflowID, audit.Status, audit.Steps,
		audit.CurrentStep, audit.DurationMs, nullString(audit.Error),
		audit.Timestamp)

	if err != nil {
		log.Printf("[AUDIT] Failed to record workflow %s: %v", audit.WorkflowID, err)
	}
	return err
}

// Healthy reports whether the trail can reach its database. A no-op
// trail is always healthy.
func (t *AuditTrail) Healthy() bool {
	if t == nil || t.db == nil {
		return true
	}
	return t.db.Ping() == nil
}

// Close releases the database handle.
func (t *AuditTrail) Close() error {
	if t == nil || t.db == nil {
		return nil
	}
	return t.db.Close()
}

// nullString converts an empty string to NULL for database insertion
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
