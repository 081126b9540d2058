// Package orders implements the signed order registry: creation, signing,
// dequeue, acknowledgement, and expiry sweep for appliance-targeted,
// fleet-wide, and healing orders (spec §4.1).
//
// This is the producer side of the protocol an appliance's order processor
// consumes: the appliance verifies a signature and dispatches to a handler
// map; this package is what builds the signed_payload and nonce an
// appliance later verifies.
package orders

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/metrics"
	"github.com/osiriscare/controlplane/internal/signing"
)

// Kind is one of the three order kinds the spec's data model defines.
type Kind string

const (
	KindAppliance Kind = "appliance_order"
	KindFleet     Kind = "fleet_order"
	KindHealing   Kind = "healing_order"
)

// Status mirrors the order lifecycle in spec §3.
type Status string

const (
	StatusPending      Status = "pending"
	StatusAcknowledged Status = "acknowledged"
	StatusExecuting    Status = "executing"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusExpired      Status = "expired"
)

func terminal(s Status) bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// Order is one row of the orders table, including the exact bytes that
// were signed so an appliance (or an auditor) never has to reconstruct
// them and risk format drift.
type Order struct {
	OrderID       string
	Kind          Kind
	ApplianceID   *string
	CommandType   string
	Parameters    json.RawMessage
	Nonce         string
	SignedPayload []byte
	Signature     string
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Status        Status
	SkipVersion   *string
}

// AckedOrder carries the fields an AckHook needs: enough to update
// whatever row the command_type's side effect targets without re-querying
// the order itself.
type AckedOrder struct {
	OrderID     string
	ApplianceID string
	CommandType string
	Status      Status
	Result      json.RawMessage
}

// AckHook runs inside Acknowledge's transaction immediately after a
// non-fleet order reaches a terminal status, keyed by command_type. The
// generic order lifecycle has no idea a download_update ack should ready
// a rollout row or a sync_promoted_rule ack should advance a deployment
// row; registering a hook is how a caller adds that without orders
// depending on rollout or promotion.
type AckHook func(ctx context.Context, tx pgx.Tx, o AckedOrder) error

// Registry issues and tracks orders against the relational store, signing
// every one with the control plane's Ed25519 identity.
type Registry struct {
	db     *db.DB
	signer *signing.Signer
	hooks  map[string]AckHook
}

func New(database *db.DB, signer *signing.Signer) *Registry {
	return &Registry{db: database, signer: signer, hooks: make(map[string]AckHook)}
}

// OnAck registers a hook invoked when an order of commandType is
// acknowledged with a terminal status. Only one hook per command_type;
// a later registration replaces an earlier one.
func (r *Registry) OnAck(commandType string, hook AckHook) {
	r.hooks[commandType] = hook
}

// CreateOrder builds the canonical signed_payload, signs it, and inserts a
// pending order row. applianceID is nil for fleet orders. dedupKey, when
// non-empty, is combined with (appliance_id, command_type) for idempotent
// upsert of sync-style orders (spec §4.1: "sync orders use this to
// idempotently upsert").
func (r *Registry) CreateOrder(ctx context.Context, kind Kind, applianceID *string, commandType string, parameters map[string]interface{}, ttl time.Duration, dedupKey *string, skipVersion *string) (string, error) {
	orderID := uuid.NewString()
	nonce := uuid.NewString()
	issuedAt := time.Now().UTC()
	expiresAt := issuedAt.Add(ttl)

	target := ""
	if applianceID != nil {
		target = *applianceID
	}

	signedPayload, signature, err := r.signer.SignFields(map[string]interface{}{
		"order_id":   orderID,
		"target":     target,
		"type":       commandType,
		"parameters": parameters,
		"nonce":      nonce,
		"issued_at":  issuedAt.Format(time.RFC3339),
		"expires_at": expiresAt.Format(time.RFC3339),
	})
	if err != nil {
		return "", errkind.Wrap(errkind.InvariantViolation, "build signed payload", err)
	}

	paramsJSON, err := json.Marshal(parameters)
	if err != nil {
		return "", errkind.Wrap(errkind.QuotaOrValidation, "encode order parameters", err)
	}

	var dedup *string
	if dedupKey != nil && *dedupKey != "" {
		dedup = dedupKey
	}

	const stmt = `
		INSERT INTO orders (order_id, kind, appliance_id, command_type, parameters, nonce,
			signed_payload, signature, issued_at, expires_at, status, dedup_key, skip_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', $11, $12)
		ON CONFLICT (appliance_id, command_type, dedup_key) DO UPDATE SET
			parameters = EXCLUDED.parameters,
			nonce = EXCLUDED.nonce,
			signed_payload = EXCLUDED.signed_payload,
			signature = EXCLUDED.signature,
			issued_at = EXCLUDED.issued_at,
			expires_at = EXCLUDED.expires_at,
			status = 'pending'
		RETURNING order_id`

	var returnedID string
	err = r.db.Pool.QueryRow(ctx, stmt,
		orderID, string(kind), applianceID, commandType, paramsJSON, nonce,
		signedPayload, signature, issuedAt, expiresAt, dedup, skipVersion,
	).Scan(&returnedID)
	if err != nil {
		return "", errkind.Wrap(errkind.UpstreamUnavailable, "insert order", err)
	}

	metrics.OrdersCreated.WithLabelValues(string(kind)).Inc()
	return returnedID, nil
}

// DequeueForAppliance returns every order still due for delivery: orders
// addressed to this appliance, plus fleet orders the appliance has not yet
// completed and whose skip_version does not match its agent_version.
// Dequeue never acknowledges -- pending orders remain pending until the
// agent explicitly acknowledges them, so a crashed appliance sees the same
// set again on its next checkin (spec §4.2 ordering guarantee).
func (r *Registry) DequeueForAppliance(ctx context.Context, applianceID, agentVersion string) ([]Order, error) {
	const stmt = `
		SELECT o.order_id, o.kind, o.appliance_id, o.command_type, o.parameters, o.nonce,
			o.signed_payload, o.signature, o.issued_at, o.expires_at, o.status, o.skip_version
		FROM orders o
		WHERE o.status = 'pending' AND o.expires_at > now()
		AND (
			o.appliance_id = $1
			OR (
				o.kind = 'fleet_order'
				AND (o.skip_version IS NULL OR o.skip_version != $2)
				AND NOT EXISTS (
					SELECT 1 FROM fleet_order_completions f
					WHERE f.fleet_order_id = o.order_id AND f.appliance_id = $1
				)
			)
		)
		ORDER BY o.issued_at ASC`

	rows, err := r.db.Pool.Query(ctx, stmt, applianceID, agentVersion)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "dequeue orders", err)
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		var kind, status string
		if err := rows.Scan(&o.OrderID, &kind, &o.ApplianceID, &o.CommandType, &o.Parameters,
			&o.Nonce, &o.SignedPayload, &o.Signature, &o.IssuedAt, &o.ExpiresAt, &status, &o.SkipVersion); err != nil {
			return nil, errkind.Wrap(errkind.UpstreamUnavailable, "scan order row", err)
		}
		o.Kind = Kind(kind)
		o.Status = Status(status)
		out = append(out, o)
	}
	return out, rows.Err()
}

// Acknowledge transitions a non-fleet order from pending/acknowledged to a
// terminal status carrying the agent's result. Fleet orders instead record
// a fleet_order_completions row. Replays of an already-terminal order are
// dropped silently (spec §7 NonceReused/OrderExpired: "drop silently, order
// remains terminal").
func (r *Registry) Acknowledge(ctx context.Context, orderID, applianceID, nonce string, status Status, result json.RawMessage, errMsg *string) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		var kind, currentStatus, storedNonce, commandType string
		var storedApplianceID *string
		err := tx.QueryRow(ctx,
			`SELECT kind, status, nonce, appliance_id, command_type FROM orders WHERE order_id = $1 FOR UPDATE`,
			orderID,
		).Scan(&kind, &currentStatus, &storedNonce, &storedApplianceID, &commandType)
		if err != nil {
			return errkind.Wrap(errkind.InvariantViolation, "order not found", err)
		}

		if storedNonce != nonce {
			return errkind.New(errkind.NonceReused, "nonce does not match order")
		}
		if terminal(Status(currentStatus)) {
			return nil
		}
		if kind == string(KindAppliance) || kind == string(KindHealing) {
			if storedApplianceID == nil || *storedApplianceID != applianceID {
				return errkind.New(errkind.InvariantViolation, "order not addressed to this appliance")
			}
		}

		if kind == string(KindFleet) {
			_, err := tx.Exec(ctx,
				`INSERT INTO fleet_order_completions (fleet_order_id, appliance_id) VALUES ($1, $2)
				 ON CONFLICT DO NOTHING`,
				orderID, applianceID)
			if err != nil {
				return errkind.Wrap(errkind.UpstreamUnavailable, "record fleet completion", err)
			}
			return nil
		}

		_, err = tx.Exec(ctx,
			`UPDATE orders SET status = $1, result = $2, error_message = $3 WHERE order_id = $4 AND status = $5`,
			string(status), result, errMsg, orderID, currentStatus)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "update order status", err)
		}

		if terminal(status) {
			if hook, ok := r.hooks[commandType]; ok {
				if err := hook(ctx, tx, AckedOrder{
					OrderID: orderID, ApplianceID: applianceID, CommandType: commandType,
					Status: status, Result: result,
				}); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ExpireSweep flips every pending order past its expires_at to expired.
// Runs on a cadence from cmd/controlplane-worker.
func (r *Registry) ExpireSweep(ctx context.Context) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx,
		`UPDATE orders SET status = 'expired' WHERE status = 'pending' AND expires_at <= now()`)
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "expire sweep", err)
	}
	n := tag.RowsAffected()
	if n > 0 {
		metrics.OrdersExpired.Add(float64(n))
	}
	return n, nil
}

// VerifyHostScope reports whether order o may be executed by applianceID --
// an appliance-targeted or healing order must name that exact appliance;
// a fleet order has no target and is always in scope. This is the
// control-plane-side mirror of the verifyHostScope an appliance runs
// against a signed_payload it received.
func VerifyHostScope(o Order, applianceID string) error {
	if o.Kind == KindFleet {
		return nil
	}
	if o.ApplianceID == nil || *o.ApplianceID != applianceID {
		return fmt.Errorf("order %s not scoped to appliance %s", o.OrderID, applianceID)
	}
	return nil
}
