// Package audit records operator-initiated actions into the append-only
// operator_actions_audit_log table (spec §6 "*_audit_log tables"). Only
// operator/CLI actions are logged here -- agent-driven writes (checkin,
// evidence submit, telemetry ingest) are already durable as their own
// table rows and don't need a second audit trail.
package audit

import (
	"context"
	"encoding/json"

	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
)

// Log wraps the relational store for append-only audit inserts.
type Log struct {
	db *db.DB
}

func New(database *db.DB) *Log {
	return &Log{db: database}
}

// Record appends one audit row. actor identifies the operator or CLI
// invocation (e.g. "hipaactl", a partner user id); detail is marshaled to
// JSONB and may be nil.
func (l *Log) Record(ctx context.Context, actor, action, entityKind, entityID string, detail map[string]interface{}) error {
	var detailJSON []byte
	if detail != nil {
		b, err := json.Marshal(detail)
		if err != nil {
			return errkind.Wrap(errkind.QuotaOrValidation, "encode audit detail", err)
		}
		detailJSON = b
	}
	_, err := l.db.Pool.Exec(ctx, `
		INSERT INTO operator_actions_audit_log (actor, action, entity_kind, entity_id, detail)
		VALUES ($1, $2, $3, $4, $5)`,
		actor, action, entityKind, entityID, detailJSON)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "insert audit log row", err)
	}
	return nil
}
