package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AuditLog represents a record stored in audit_logs. Unlike the per-request activity
// ledger it is never shown to clients; it carries security events and the text a
// message held before it was edited.
type AuditLog struct {
	ActorID    string
	ActorRole  string
	OnBehalfOf string
	Action     string
	Entity     string
	EntityID   string
	Meta       map[string]any
	At         time.Time
}

// AuditDB is the subset of *pgxpool.Pool and pgx.Tx the audit logger writes through.
type AuditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db AuditDB
}

// NewAuditLogger returns a new AuditLogger.
func NewAuditLogger(pool *pgxpool.Pool) *AuditLogger {
	if pool == nil {
		return &AuditLogger{}
	}
	return &AuditLogger{db: pool}
}

// NewTxAuditLogger returns an AuditLogger whose records commit or roll back with db,
// usually a pgx.Tx.
func NewTxAuditLogger(db AuditDB) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at *time.Time
	if !log.At.IsZero() {
		at = &log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor_id, actor_role, on_behalf_of, action, entity, entity_id, meta, occurred_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, COALESCE($8, NOW()))`,
		log.ActorID, log.ActorRole, log.OnBehalfOf, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return Transport("audit: record", err)
}

func (log AuditLog) validate() error {
	if log.Action == "" || log.Entity == "" || log.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	if log.ActorID == "" {
		return errors.New("audit log requires actor_id")
	}
	return nil
}
