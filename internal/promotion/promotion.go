// Package promotion implements the L2-to-L1 promotion state machine (spec
// §4.5): emitting candidates from eligible pattern aggregates, generating
// L1 rule definitions on approval, and scheduling their delivery to
// appliances as signed sync orders.
//
// The rule YAML shape matches the promotedRuleSchema an appliance's order
// processor validates on arrival -- this package is the producer that
// schema was built to receive.
package promotion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"gopkg.in/yaml.v3"

	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/metrics"
	"github.com/osiriscare/controlplane/internal/orders"
	"github.com/osiriscare/controlplane/internal/telemetry"
)

// RuleDefinition mirrors an appliance's promotedRuleSchema -- this is the
// producer side of the same YAML contract the appliance validates on sync.
type RuleDefinition struct {
	ID              string                 `yaml:"id" json:"id"`
	Name            string                 `yaml:"name" json:"name"`
	Description     string                 `yaml:"description" json:"description"`
	Conditions      []RuleCondition        `yaml:"conditions" json:"conditions"`
	Action          string                 `yaml:"action" json:"action"`
	ActionParams    map[string]interface{} `yaml:"action_params" json:"action_params"`
	HIPAAControls   []string               `yaml:"hipaa_controls" json:"hipaa_controls"`
	Enabled         bool                   `yaml:"enabled" json:"enabled"`
	Priority        int                    `yaml:"priority" json:"priority"`
	CooldownSeconds int                    `yaml:"cooldown_seconds" json:"cooldown_seconds"`
}

type RuleCondition struct {
	Field    string      `yaml:"field" json:"field"`
	Operator string      `yaml:"operator" json:"operator"`
	Value    interface{} `yaml:"value" json:"value"`
}

// Controller drives candidate emission, approval, rejection, platform
// auto-promotion, and rollback.
type Controller struct {
	db     *db.DB
	orders *orders.Registry
}

func New(database *db.DB, registry *orders.Registry) *Controller {
	c := &Controller{db: database, orders: registry}
	registry.OnAck("sync_promoted_rule", c.onSyncAcked)
	return c
}

// onSyncAcked transitions a promoted_rule_deployments row from
// 'delivered' to 'acknowledged' once the agent acknowledges its
// sync_promoted_rule order, terminally either way (spec §3 "pending ->
// delivered -> acknowledged"; §4.5 "when the agent acknowledges,
// transition the deployment row").
func (c *Controller) onSyncAcked(ctx context.Context, tx pgx.Tx, o orders.AckedOrder) error {
	_, err := tx.Exec(ctx, `
		UPDATE promoted_rule_deployments SET status = 'acknowledged', updated_at = now()
		WHERE order_id = $1 AND status = 'delivered'`, o.OrderID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "transition rule deployment from ack", err)
	}
	return nil
}

// EmitCandidates scans aggregated_pattern_stats for eligible patterns at a
// site with no open candidate row and inserts them pending (spec §4.5).
func (c *Controller) EmitCandidates(ctx context.Context, siteID string) (int, error) {
	rows, err := c.db.Pool.Query(ctx, `
		SELECT a.pattern_signature FROM aggregated_pattern_stats a
		WHERE a.site_id = $1 AND a.promotion_eligible = true
		AND NOT EXISTS (
			SELECT 1 FROM learning_promotion_candidates l
			WHERE l.site_id = a.site_id AND l.pattern_signature = a.pattern_signature
			AND l.approval_status NOT IN ('rejected')
		)`, siteID)
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "scan eligible patterns", err)
	}
	var signatures []string
	for rows.Next() {
		var sig string
		if err := rows.Scan(&sig); err != nil {
			rows.Close()
			return 0, err
		}
		signatures = append(signatures, sig)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	emitted := 0
	for _, sig := range signatures {
		tag, err := c.db.Pool.Exec(ctx, `
			INSERT INTO learning_promotion_candidates (candidate_id, site_id, pattern_signature, approval_status)
			VALUES ($1, $2, $3, 'pending')
			ON CONFLICT (site_id, pattern_signature) DO NOTHING`,
			uuid.NewString(), siteID, sig)
		if err != nil {
			return emitted, errkind.Wrap(errkind.UpstreamUnavailable, "insert promotion candidate", err)
		}
		emitted += int(tag.RowsAffected())
	}
	if emitted > 0 {
		metrics.PromotionCandidatesEmitted.Add(float64(emitted))
	}
	return emitted, nil
}

// ruleIDFor derives the deterministic L1-PROMOTED-<hash> id spec §4.5
// specifies, so repeated approval attempts of the same pattern converge on
// one rule id.
func ruleIDFor(siteID, patternSignature string) string {
	sum := sha256.Sum256([]byte(siteID + ":" + patternSignature))
	return "L1-PROMOTED-" + hex.EncodeToString(sum[:])[:16]
}

// Approve generates an L1 rule from a pending candidate, persists it in
// both promoted_rules (audit YAML+JSON) and l1_rules, and schedules one
// sync_promoted_rule order per appliance at the site (spec §4.5 "approve").
func (c *Controller) Approve(ctx context.Context, candidateID string) error {
	return pgx.BeginFunc(ctx, c.db.Pool, func(tx pgx.Tx) error {
		var siteID, patternSignature, status string
		err := tx.QueryRow(ctx, `
			SELECT site_id, pattern_signature, approval_status FROM learning_promotion_candidates
			WHERE candidate_id = $1 FOR UPDATE`, candidateID,
		).Scan(&siteID, &patternSignature, &status)
		if err == pgx.ErrNoRows {
			return errkind.New(errkind.InvariantViolation, "unknown promotion candidate")
		}
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load promotion candidate", err)
		}
		if status != "pending" {
			return errkind.New(errkind.InvariantViolation, "candidate is not pending")
		}

		var recommendedAction string
		var successRate float64
		var checkType string
		err = tx.QueryRow(ctx, `
			SELECT COALESCE(recommended_action, ''), success_rate FROM aggregated_pattern_stats
			WHERE site_id = $1 AND pattern_signature = $2`, siteID, patternSignature,
		).Scan(&recommendedAction, &successRate)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load pattern aggregate", err)
		}
		checkType = firstSegment(patternSignature)

		ruleID := ruleIDFor(siteID, patternSignature)
		def := RuleDefinition{
			ID:              ruleID,
			Name:            fmt.Sprintf("Promoted rule for %s", patternSignature),
			Description:     fmt.Sprintf("Auto-generated from site %s pattern %s", siteID, patternSignature),
			Conditions:      []RuleCondition{{Field: "incident_type", Operator: "equals", Value: checkType}},
			Action:          recommendedAction,
			ActionParams:    map[string]interface{}{},
			HIPAAControls:   []string{},
			Enabled:         true,
			Priority:        50,
			CooldownSeconds: 300,
		}
		yamlBytes, err := yaml.Marshal(def)
		if err != nil {
			return errkind.Wrap(errkind.QuotaOrValidation, "marshal rule yaml", err)
		}
		jsonBytes, err := json.Marshal(def)
		if err != nil {
			return errkind.Wrap(errkind.QuotaOrValidation, "marshal rule json", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO l1_rules (rule_id, incident_pattern, runbook_id, confidence, enabled, source)
			VALUES ($1, $2, $3, $4, true, 'promoted')
			ON CONFLICT (rule_id) DO NOTHING`,
			ruleID, jsonMustEncode(map[string]string{"check_type": checkType}), recommendedAction, successRate)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert l1 rule", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO promoted_rules (rule_id, site_id, candidate_id, definition_yaml, definition_json, promoted_from)
			VALUES ($1, $2, $3, $4, $5, 'site')
			ON CONFLICT (rule_id) DO NOTHING`,
			ruleID, siteID, candidateID, string(yamlBytes), jsonBytes)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert promoted rule", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE learning_promotion_candidates SET approval_status = 'approved', decided_at = now()
			WHERE candidate_id = $1`, candidateID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "mark candidate approved", err)
		}

		metrics.RulesPromoted.WithLabelValues("promoted").Inc()
		return c.scheduleDeployments(ctx, tx, ruleID, siteID, yamlBytes)
	})
}

// scheduleDeployments creates a signed sync_promoted_rule order for every
// appliance at siteID and records its promoted_rule_deployments row as
// 'delivered', the status the ack hook moves to 'acknowledged'.
func (c *Controller) scheduleDeployments(ctx context.Context, tx pgx.Tx, ruleID, siteID string, ruleYAML []byte) error {
	rows, err := tx.Query(ctx, `SELECT appliance_id FROM appliances WHERE site_id = $1`, siteID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "list site appliances", err)
	}
	var applianceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applianceIDs = append(applianceIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, applianceID := range applianceIDs {
		aid := applianceID
		orderID, err := c.orders.CreateOrder(ctx, orders.KindAppliance, &aid, "sync_promoted_rule",
			map[string]interface{}{"rule_id": ruleID, "rule_yaml": string(ruleYAML)},
			24*time.Hour, strPtr("sync_promoted_rule:"+ruleID), nil)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO promoted_rule_deployments (rule_id, appliance_id, status, order_id)
			VALUES ($1, $2, 'delivered', $3)
			ON CONFLICT (rule_id, appliance_id) DO UPDATE SET status = 'delivered', order_id = EXCLUDED.order_id`,
			ruleID, applianceID, orderID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert rule deployment", err)
		}
	}
	return nil
}

// Reject marks a candidate rejected; it stays terminal unless the client
// forwards it for reconsideration.
func (c *Controller) Reject(ctx context.Context, candidateID, reason string) error {
	_, err := c.db.Pool.Exec(ctx, `
		UPDATE learning_promotion_candidates SET approval_status = 'rejected', last_error = $1, decided_at = now()
		WHERE candidate_id = $2 AND approval_status = 'pending'`, reason, candidateID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "reject candidate", err)
	}
	return nil
}

// AutoPromotePlatform promotes every platform_pattern_stats row that
// qualifies for cross-client auto-promotion (spec §3, §4.5 "Platform
// path"): no approval UI, straight to a source=platform L1 rule synced to
// every appliance fleet-wide.
func (c *Controller) AutoPromotePlatform(ctx context.Context) (int, error) {
	rows, err := c.db.Pool.Query(ctx, `
		SELECT pattern_key FROM platform_pattern_stats
		WHERE auto_promoted = false
		AND distinct_orgs >= $1 AND total_occurrences >= $2 AND success_rate >= $3`,
		PlatformMinDistinctOrgsForPromotion, PlatformMinTotalForPromotion, PlatformMinSuccessRateForPromotion)
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "scan platform patterns", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return 0, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	promoted := 0
	for _, key := range keys {
		if err := c.autoPromoteOne(ctx, key); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

const (
	PlatformMinDistinctOrgsForPromotion = telemetry.PlatformMinDistinctOrgs
	PlatformMinTotalForPromotion        = telemetry.PlatformMinTotal
	PlatformMinSuccessRateForPromotion  = telemetry.PlatformMinSuccessRate
)

func (c *Controller) autoPromoteOne(ctx context.Context, patternKey string) error {
	return pgx.BeginFunc(ctx, c.db.Pool, func(tx pgx.Tx) error {
		incidentType, runbookID := splitPatternKey(patternKey)
		sum := sha256.Sum256([]byte("platform:" + patternKey))
		ruleID := "L1-PROMOTED-" + hex.EncodeToString(sum[:])[:16]

		def := RuleDefinition{
			ID:          ruleID,
			Name:        fmt.Sprintf("Platform-promoted rule for %s", patternKey),
			Description: "Auto-promoted across clients: " + patternKey,
			Conditions:  []RuleCondition{{Field: "incident_type", Operator: "equals", Value: incidentType}},
			Action:      runbookID,
			Enabled:     true,
			Priority:    60,
		}
		yamlBytes, err := yaml.Marshal(def)
		if err != nil {
			return errkind.Wrap(errkind.QuotaOrValidation, "marshal platform rule yaml", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO l1_rules (rule_id, incident_pattern, runbook_id, confidence, enabled, source)
			VALUES ($1, $2, $3, 1.0, true, 'platform')
			ON CONFLICT (rule_id) DO NOTHING`,
			ruleID, jsonMustEncode(map[string]string{"incident_type": incidentType}), runbookID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert platform l1 rule", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO promoted_rules (rule_id, site_id, candidate_id, definition_yaml, definition_json, promoted_from)
			VALUES ($1, NULL, NULL, $2, $3, 'platform')
			ON CONFLICT (rule_id) DO NOTHING`,
			ruleID, string(yamlBytes), jsonMustEncode(def))
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert platform promoted rule", err)
		}

		_, err = tx.Exec(ctx, `UPDATE platform_pattern_stats SET auto_promoted = true WHERE pattern_key = $1`, patternKey)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "mark platform pattern promoted", err)
		}

		rows, err := tx.Query(ctx, `SELECT appliance_id, site_id FROM appliances`)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "list all appliances", err)
		}
		type target struct{ applianceID, siteID string }
		var targets []target
		for rows.Next() {
			var t target
			if err := rows.Scan(&t.applianceID, &t.siteID); err != nil {
				rows.Close()
				return err
			}
			targets = append(targets, t)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, t := range targets {
			aid := t.applianceID
			orderID, err := c.orders.CreateOrder(ctx, orders.KindAppliance, &aid, "sync_promoted_rule",
				map[string]interface{}{"rule_id": ruleID, "rule_yaml": string(yamlBytes)},
				24*time.Hour, strPtr("sync_promoted_rule:"+ruleID), nil)
			if err != nil {
				return err
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO promoted_rule_deployments (rule_id, appliance_id, status, order_id)
				VALUES ($1, $2, 'delivered', $3)
				ON CONFLICT (rule_id, appliance_id) DO UPDATE SET status = 'delivered', order_id = EXCLUDED.order_id`,
				ruleID, t.applianceID, orderID)
			if err != nil {
				return errkind.Wrap(errkind.UpstreamUnavailable, "insert platform rule deployment", err)
			}
		}

		metrics.RulesPromoted.WithLabelValues("platform").Inc()
		return nil
	})
}

// Rollback emits a remove_promoted_rule sync order carrying rule_id to
// every appliance with a deployment row, then marks those rows
// rolled_back (spec §4.5 "Rollback").
func (c *Controller) Rollback(ctx context.Context, ruleID string) error {
	rows, err := c.db.Pool.Query(ctx, `
		SELECT appliance_id FROM promoted_rule_deployments WHERE rule_id = $1 AND status != 'rolled_back'`, ruleID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "list rule deployments", err)
	}
	var applianceIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applianceIDs = append(applianceIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, applianceID := range applianceIDs {
		aid := applianceID
		_, err := c.orders.CreateOrder(ctx, orders.KindAppliance, &aid, "remove_promoted_rule",
			map[string]interface{}{"rule_id": ruleID}, time.Hour, nil, nil)
		if err != nil {
			return err
		}
	}

	_, err = c.db.Pool.Exec(ctx, `
		UPDATE promoted_rule_deployments SET status = 'rolled_back', updated_at = now() WHERE rule_id = $1`, ruleID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "mark deployments rolled back", err)
	}
	_, err = c.db.Pool.Exec(ctx, `UPDATE promoted_rules SET rolled_back = true WHERE rule_id = $1`, ruleID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "mark promoted rule rolled back", err)
	}
	return nil
}

func firstSegment(patternSignature string) string {
	for i, r := range patternSignature {
		if r == ':' {
			return patternSignature[:i]
		}
	}
	return patternSignature
}

func splitPatternKey(key string) (incidentType, runbookID string) {
	for i, r := range key {
		if r == ':' {
			return key[:i], key[i+1:]
		}
	}
	return key, ""
}

func strPtr(s string) *string { return &s }

func jsonMustEncode(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}
