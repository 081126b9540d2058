// Package rollout implements the staged fleet rollout controller (spec
// §4.6): stage assignment, download/reboot order issuance, failure-ratio
// auto-pause with rollback, and stage advance after a cooldown.
//
// The cadence-driven structure -- one pass over open rollouts per worker
// tick -- follows the same goroutine-loop shape an appliance daemon uses
// to poll its own subsystems, generalized from "one appliance polling its
// own state" to "the control plane sweeping every open rollout."
package rollout

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/metrics"
	"github.com/osiriscare/controlplane/internal/notify"
	"github.com/osiriscare/controlplane/internal/orders"
)

// Stage is one entry of a rollout's stages array (spec §3/§4.6).
type Stage struct {
	Percent    float64 `json:"percent"`
	DelayHours float64 `json:"delay_hours"`
}

// Controller drives stage assignment, order issuance, and pause/rollback
// decisions for every open rollout.
type Controller struct {
	db     *db.DB
	orders *orders.Registry
	notify *notify.Notifier
}

func New(database *db.DB, registry *orders.Registry, notifier *notify.Notifier) *Controller {
	c := &Controller{db: database, orders: registry, notify: notifier}
	registry.OnAck("download_update", c.onDownloadAcked)
	return c
}

// onDownloadAcked marks an appliance_updates row ready for reboot once its
// download_update order reaches a terminal status. A failed download
// leaves the row failed rather than ready, so checkFailureThreshold counts
// it toward the stage's failure ratio.
func (c *Controller) onDownloadAcked(ctx context.Context, tx pgx.Tx, o orders.AckedOrder) error {
	status := "ready"
	if o.Status == orders.StatusFailed {
		status = "failed"
	}
	_, err := tx.Exec(ctx, `
		UPDATE appliance_updates SET status = $1, updated_at = now()
		WHERE download_order_id = $2`, status, o.OrderID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "mark appliance update from download ack", err)
	}
	return nil
}

// StartRollout creates a pending rollout row for a release against a
// target filter and stage plan (spec §3 "update_rollouts").
func (c *Controller) StartRollout(ctx context.Context, rolloutID, releaseID string, targetFilter map[string]interface{}, stages []Stage, failureThresholdPercent float64, autoRollback bool) error {
	stagesJSON, err := json.Marshal(stages)
	if err != nil {
		return errkind.Wrap(errkind.QuotaOrValidation, "encode stages", err)
	}
	filterJSON, err := json.Marshal(targetFilter)
	if err != nil {
		return errkind.Wrap(errkind.QuotaOrValidation, "encode target filter", err)
	}
	_, err = c.db.Pool.Exec(ctx, `
		INSERT INTO update_rollouts (rollout_id, release_id, target_filter, stages, current_stage,
			failure_threshold_percent, auto_rollback, status)
		VALUES ($1, $2, $3, $4, 0, $5, $6, 'pending')`,
		rolloutID, releaseID, filterJSON, stagesJSON, failureThresholdPercent, autoRollback)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "insert rollout", err)
	}
	return nil
}

// Pause flips a rollout to paused, halting further stage assignment and
// order issuance (operator-initiated, mirrors the auto-pause path below).
func (c *Controller) Pause(ctx context.Context, rolloutID string) error {
	_, err := c.db.Pool.Exec(ctx, `
		UPDATE update_rollouts SET status = 'paused' WHERE rollout_id = $1 AND status = 'running'`, rolloutID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "pause rollout", err)
	}
	return nil
}

// Cancel marks a rollout cancelled terminally; any appliance rows still
// in-flight keep whatever state they last reported.
func (c *Controller) Cancel(ctx context.Context, rolloutID string) error {
	_, err := c.db.Pool.Exec(ctx, `
		UPDATE update_rollouts SET status = 'cancelled'
		WHERE rollout_id = $1 AND status IN ('pending', 'running', 'paused')`, rolloutID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "cancel rollout", err)
	}
	return nil
}

// Advance runs one sweep pass over every rollout not yet terminal:
// assigning the current stage's targets if unassigned, checking the
// failure ratio for an auto-pause, and advancing to the next stage once
// the current one is fully terminal and its delay has elapsed (spec §4.6
// steps 1, 4, 5).
func (c *Controller) Advance(ctx context.Context) error {
	rows, err := c.db.Pool.Query(ctx, `
		SELECT rollout_id FROM update_rollouts WHERE status IN ('pending', 'running')`)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "list open rollouts", err)
	}
	var rolloutIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		rolloutIDs = append(rolloutIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range rolloutIDs {
		if err := c.advanceOne(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type rolloutRow struct {
	releaseID               string
	targetFilter             map[string]interface{}
	stages                   []Stage
	currentStage             int
	failureThresholdPercent  float64
	autoRollback             bool
	status                   string
	stageAdvancesAt          *time.Time
	maintenanceWindow        *maintenanceWindow
}

// maintenanceWindow is the optional hour-of-day (UTC) window a rollout
// restricts reboot-order issuance to. Nil means no restriction.
type maintenanceWindow struct {
	StartHour int `json:"start_hour"`
	EndHour   int `json:"end_hour"`
}

// open reports whether now falls inside the window, handling a window that
// wraps past midnight (e.g. start_hour=22, end_hour=4).
func (w *maintenanceWindow) open(now time.Time) bool {
	if w == nil {
		return true
	}
	h := now.Hour()
	if w.StartHour <= w.EndHour {
		return h >= w.StartHour && h < w.EndHour
	}
	return h >= w.StartHour || h < w.EndHour
}

func (c *Controller) loadRollout(ctx context.Context, tx pgx.Tx, rolloutID string) (*rolloutRow, error) {
	var r rolloutRow
	var stagesJSON, filterJSON, windowJSON []byte
	err := tx.QueryRow(ctx, `
		SELECT release_id, target_filter, stages, current_stage, failure_threshold_percent,
			auto_rollback, status, stage_advances_at, maintenance_window
		FROM update_rollouts WHERE rollout_id = $1 FOR UPDATE`, rolloutID,
	).Scan(&r.releaseID, &filterJSON, &stagesJSON, &r.currentStage, &r.failureThresholdPercent,
		&r.autoRollback, &r.status, &r.stageAdvancesAt, &windowJSON)
	if err != nil {
		return nil, errkind.Wrap(errkind.UpstreamUnavailable, "load rollout", err)
	}
	if err := json.Unmarshal(stagesJSON, &r.stages); err != nil {
		return nil, errkind.Wrap(errkind.InvariantViolation, "decode rollout stages", err)
	}
	if len(filterJSON) > 0 {
		_ = json.Unmarshal(filterJSON, &r.targetFilter)
	}
	if len(windowJSON) > 0 {
		var w maintenanceWindow
		if err := json.Unmarshal(windowJSON, &w); err != nil {
			return nil, errkind.Wrap(errkind.InvariantViolation, "decode maintenance window", err)
		}
		r.maintenanceWindow = &w
	}
	return &r, nil
}

func (c *Controller) advanceOne(ctx context.Context, rolloutID string) error {
	return pgx.BeginFunc(ctx, c.db.Pool, func(tx pgx.Tx) error {
		r, err := c.loadRollout(ctx, tx, rolloutID)
		if err != nil {
			return err
		}
		if r.currentStage >= len(r.stages) {
			_, err := tx.Exec(ctx, `UPDATE update_rollouts SET status = 'completed' WHERE rollout_id = $1`, rolloutID)
			return err
		}

		assigned, err := c.countAssigned(ctx, tx, rolloutID, r.currentStage)
		if err != nil {
			return err
		}
		if assigned == 0 {
			if err := c.assignStage(ctx, tx, rolloutID, r); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `UPDATE update_rollouts SET status = 'running' WHERE rollout_id = $1`, rolloutID)
			return err
		}

		paused, err := c.checkFailureThreshold(ctx, tx, rolloutID, r)
		if err != nil || paused {
			return err
		}

		if err := c.issueReboot(ctx, tx, rolloutID, r); err != nil {
			return err
		}

		return c.maybeAdvanceStage(ctx, tx, rolloutID, r)
	})
}

// stageTargetCount returns ceil(percent/100 * total) targets for one stage
// (spec §4.6 step 1, §8 scenario S6: 5% of 20 rounds up to 1).
func stageTargetCount(total int64, percent float64) int64 {
	return int64(math.Ceil(percent / 100.0 * float64(total)))
}

func (c *Controller) countAssigned(ctx context.Context, tx pgx.Tx, rolloutID string, stage int) (int64, error) {
	var n int64
	err := tx.QueryRow(ctx, `
		SELECT count(*) FROM appliance_updates WHERE rollout_id = $1 AND stage_assigned = $2`,
		rolloutID, stage).Scan(&n)
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "count assigned updates", err)
	}
	return n, nil
}

// assignStage selects ceil(percent/100 * total) unassigned appliances,
// inserts appliance_updates(pending), and issues a signed download_update
// order to each (spec §4.6 steps 1-2). The rollout's target_filter is not
// applied: total counts every appliance in the fleet and any unassigned
// appliance can be selected, in appliance_id order.
func (c *Controller) assignStage(ctx context.Context, tx pgx.Tx, rolloutID string, r *rolloutRow) error {
	var total int64
	err := tx.QueryRow(ctx, `SELECT count(*) FROM appliances`).Scan(&total)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "count fleet appliances", err)
	}
	if total == 0 {
		return nil
	}
	stage := r.stages[r.currentStage]
	n := stageTargetCount(total, stage.Percent)

	rows, err := tx.Query(ctx, `
		SELECT appliance_id FROM appliances
		WHERE appliance_id NOT IN (SELECT appliance_id FROM appliance_updates WHERE rollout_id = $1)
		ORDER BY appliance_id LIMIT $2`, rolloutID, n)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "select stage targets", err)
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

	var release struct{ version, sha256, objectKey string }
	err = tx.QueryRow(ctx, `SELECT version, sha256, object_key FROM update_releases WHERE release_id = $1`, r.releaseID).
		Scan(&release.version, &release.sha256, &release.objectKey)
	if err != nil {
		return errkind.Wrap(errkind.InvariantViolation, "load release for rollout", err)
	}

	for _, applianceID := range applianceIDs {
		aid := applianceID
		orderID, err := c.orders.CreateOrder(ctx, orders.KindAppliance, &aid, "download_update",
			map[string]interface{}{"version": release.version, "sha256": release.sha256, "object_key": release.objectKey},
			48*time.Hour, nil, nil)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO appliance_updates (rollout_id, appliance_id, stage_assigned, status, download_order_id)
			VALUES ($1, $2, $3, 'pending', $4)
			ON CONFLICT (rollout_id, appliance_id) DO NOTHING`,
			rolloutID, applianceID, r.currentStage, orderID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert appliance update row", err)
		}
	}
	return nil
}

// checkFailureThreshold computes the current stage's failed/total ratio
// and, when it exceeds the configured threshold and auto_rollback is set,
// pauses the rollout and issues a rollback_to_previous_partition order to
// every failed appliance (spec §4.6 step 4, §8 property 9). With
// auto_rollback unset the rollout keeps running.
func (c *Controller) checkFailureThreshold(ctx context.Context, tx pgx.Tx, rolloutID string, r *rolloutRow) (paused bool, err error) {
	var total, failed int64
	err = tx.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status = 'failed')
		FROM appliance_updates WHERE rollout_id = $1 AND stage_assigned = $2`,
		rolloutID, r.currentStage).Scan(&total, &failed)
	if err != nil {
		return false, errkind.Wrap(errkind.UpstreamUnavailable, "compute stage failure ratio", err)
	}
	if total == 0 {
		return false, nil
	}
	ratio := float64(failed) / float64(total) * 100.0
	if ratio <= r.failureThresholdPercent {
		return false, nil
	}
	if !r.autoRollback {
		return false, nil
	}

	_, err = tx.Exec(ctx, `UPDATE update_rollouts SET status = 'paused' WHERE rollout_id = $1`, rolloutID)
	if err != nil {
		return false, errkind.Wrap(errkind.UpstreamUnavailable, "pause rollout on failure threshold", err)
	}
	metrics.RolloutsPaused.Inc()

	failedRows, err := tx.Query(ctx, `
		SELECT appliance_id FROM appliance_updates
		WHERE rollout_id = $1 AND stage_assigned = $2 AND status = 'failed'`, rolloutID, r.currentStage)
	if err != nil {
		return true, errkind.Wrap(errkind.UpstreamUnavailable, "list failed appliances", err)
	}
	var failedIDs []string
	for failedRows.Next() {
		var id string
		if err := failedRows.Scan(&id); err != nil {
			failedRows.Close()
			return true, err
		}
		failedIDs = append(failedIDs, id)
	}
	failedRows.Close()
	if err := failedRows.Err(); err != nil {
		return true, err
	}

	for _, applianceID := range failedIDs {
		aid := applianceID
		_, err := c.orders.CreateOrder(ctx, orders.KindAppliance, &aid, "rollback_to_previous_partition",
			map[string]interface{}{"rollout_id": rolloutID}, time.Hour, nil, nil)
		if err != nil {
			return true, err
		}
		_, err = tx.Exec(ctx, `
			UPDATE appliance_updates SET status = 'rolled_back', updated_at = now()
			WHERE rollout_id = $1 AND appliance_id = $2`, rolloutID, applianceID)
		if err != nil {
			return true, errkind.Wrap(errkind.UpstreamUnavailable, "mark appliance rolled back", err)
		}
	}

	if c.notify != nil {
		c.notify.RolloutPaused(ctx, rolloutID, r.currentStage, ratio/100.0, r.failureThresholdPercent)
	}
	return true, nil
}

// issueReboot moves every appliance ready for reboot (download acked,
// status 'ready') in the current stage into 'rebooting': it issues a
// signed reboot_into_new_partition order, stamps reboot_order_id, and
// flips the appliance's recorded active_partition. Runs only while the
// rollout's maintenance window is open, or unconditionally if none is
// configured (spec §4.6 step 3).
func (c *Controller) issueReboot(ctx context.Context, tx pgx.Tx, rolloutID string, r *rolloutRow) error {
	if !r.maintenanceWindow.open(time.Now().UTC()) {
		return nil
	}

	rows, err := tx.Query(ctx, `
		SELECT appliance_id FROM appliance_updates
		WHERE rollout_id = $1 AND stage_assigned = $2 AND status = 'ready'`, rolloutID, r.currentStage)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "list reboot-ready appliances", err)
	}
	var readyIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		readyIDs = append(readyIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, applianceID := range readyIDs {
		aid := applianceID
		orderID, err := c.orders.CreateOrder(ctx, orders.KindAppliance, &aid, "reboot_into_new_partition",
			map[string]interface{}{"rollout_id": rolloutID}, time.Hour, nil, nil)
		if err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `
			UPDATE appliance_updates SET status = 'rebooting', reboot_order_id = $1, updated_at = now()
			WHERE rollout_id = $2 AND appliance_id = $3`, orderID, rolloutID, applianceID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "mark appliance rebooting", err)
		}
		_, err = tx.Exec(ctx, `
			UPDATE appliances SET active_partition = CASE active_partition WHEN 'A' THEN 'B' ELSE 'A' END
			WHERE appliance_id = $1`, applianceID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "flip active partition", err)
		}
	}
	return nil
}

// maybeAdvanceStage moves a fully-terminal stage to the next one after its
// delay_hours has elapsed (spec §4.6 step 5), or marks the rollout
// completed once the final stage is done.
func (c *Controller) maybeAdvanceStage(ctx context.Context, tx pgx.Tx, rolloutID string, r *rolloutRow) error {
	var total, terminal int64
	err := tx.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE status IN ('succeeded', 'failed', 'rolled_back'))
		FROM appliance_updates WHERE rollout_id = $1 AND stage_assigned = $2`,
		rolloutID, r.currentStage).Scan(&total, &terminal)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "check stage terminal state", err)
	}
	if total == 0 || terminal < total {
		return nil
	}

	stage := r.stages[r.currentStage]
	if r.stageAdvancesAt == nil {
		advancesAt := time.Now().UTC().Add(time.Duration(stage.DelayHours * float64(time.Hour)))
		_, err := tx.Exec(ctx, `UPDATE update_rollouts SET stage_advances_at = $1 WHERE rollout_id = $2`, advancesAt, rolloutID)
		return err
	}
	if time.Now().UTC().Before(*r.stageAdvancesAt) {
		return nil
	}

	nextStage := r.currentStage + 1
	status := "running"
	if nextStage >= len(r.stages) {
		status = "completed"
	}
	_, err = tx.Exec(ctx, `
		UPDATE update_rollouts SET current_stage = $1, status = $2, stage_advances_at = NULL WHERE rollout_id = $3`,
		nextStage, status, rolloutID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "advance rollout stage", err)
	}
	return nil
}

// RecordVerify applies a post-boot verify telemetry outcome to the
// appliance's update row (spec §4.6 step 4).
func (c *Controller) RecordVerify(ctx context.Context, rolloutID, applianceID string, healthy bool) error {
	status := "succeeded"
	if !healthy {
		status = "failed"
	}
	_, err := c.db.Pool.Exec(ctx, `
		UPDATE appliance_updates SET status = $1, updated_at = now()
		WHERE rollout_id = $2 AND appliance_id = $3`, status, rolloutID, applianceID)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "record verify outcome", err)
	}
	return nil
}

// MarkLatest flips is_latest for a release, used by the operator CLI's
// `release mark-latest` (spec §6).
func MarkLatest(ctx context.Context, database *db.DB, releaseID string) error {
	return pgx.BeginFunc(ctx, database.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE update_releases SET is_latest = false WHERE is_latest = true`); err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "clear previous latest release", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE update_releases SET is_latest = true WHERE release_id = $1`, releaseID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "mark release latest", err)
		}
		if tag.RowsAffected() == 0 {
			return errkind.New(errkind.InvariantViolation, "unknown release id")
		}
		return nil
	})
}
