// Package telemetry ingests per-execution records and maintains the
// per-site and cross-client pattern aggregates the promotion controller
// reads. Kept as explicit transactional Go rather than a DB trigger (spec
// §9 "Telemetry -> aggregate trigger": "a rewrite may ... pull the logic
// into the telemetry-ingest path -- the observable counters must be
// indistinguishable"), matching the ON CONFLICT DO UPDATE upsert style
// checkin/db.go uses.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/metrics"
)

// Record is one execution_telemetry row as submitted by an appliance
// (spec §3 "Execution telemetry").
type Record struct {
	ExecutionID      string
	IncidentID       string
	SiteID           string
	ApplianceID      string
	RunbookID        *string
	Hostname         string
	Platform         string
	IncidentType     string
	Success          bool
	ResolutionLevel  string
	DurationSeconds  *float64
	StateBefore      json.RawMessage
	StateAfter       json.RawMessage
	StateDiff        json.RawMessage
	FailureType      *string
	CostUSD          *float64
	InputTokens      *int
	OutputTokens     *int
	PatternSignature string
	ChaosCampaignID  *string
	OccurredAt       time.Time
}

// PromotionWindow and the thresholds are the fixed constants from
// spec §3/§4.4/§8 property 7.
const (
	PromotionMinOccurrences = 5
	PromotionMinSuccessRate = 0.90
	PromotionWindow         = 7 * 24 * time.Hour
)

// Ingest writes one telemetry record, wiring in pattern_signature
// derivation, l1_rules counters, and both pattern aggregates in a single
// transaction (spec §4.4 steps 1-6).
type Ingest struct {
	db *db.DB
}

func New(database *db.DB) *Ingest {
	return &Ingest{db: database}
}

// IngestOne runs the full per-record pipeline.
func (i *Ingest) IngestOne(ctx context.Context, rec Record) error {
	if rec.PatternSignature == "" {
		rec.PatternSignature = derivePatternSignature(rec)
	}

	err := pgx.BeginFunc(ctx, i.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO execution_telemetry (execution_id, incident_id, site_id, appliance_id, runbook_id,
				hostname, platform, incident_type, success, resolution_level, duration_seconds,
				state_before, state_after, state_diff, failure_type, cost_usd, input_tokens, output_tokens,
				pattern_signature, chaos_campaign_id, occurred_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
			ON CONFLICT (execution_id) DO NOTHING`,
			rec.ExecutionID, rec.IncidentID, rec.SiteID, rec.ApplianceID, rec.RunbookID,
			rec.Hostname, rec.Platform, rec.IncidentType, rec.Success, rec.ResolutionLevel, rec.DurationSeconds,
			rec.StateBefore, rec.StateAfter, rec.StateDiff, rec.FailureType, rec.CostUSD, rec.InputTokens, rec.OutputTokens,
			rec.PatternSignature, rec.ChaosCampaignID, rec.OccurredAt,
		)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert execution telemetry", err)
		}

		if rec.ResolutionLevel == "L1" && rec.RunbookID != nil && *rec.RunbookID != "" {
			successCol := "failure_count"
			if rec.Success {
				successCol = "success_count"
			}
			_, err := tx.Exec(ctx, fmt.Sprintf(`
				UPDATE l1_rules SET match_count = match_count + 1, %s = %s + 1
				WHERE rule_id = $1`, successCol, successCol),
				*rec.RunbookID)
			if err != nil {
				return errkind.Wrap(errkind.UpstreamUnavailable, "update l1_rules counters", err)
			}
		}

		if err := i.upsertSiteAggregate(ctx, tx, rec); err != nil {
			return err
		}
		if err := i.upsertPlatformAggregate(ctx, tx, rec); err != nil {
			return err
		}

		return nil
	})
	if err != nil {
		return err
	}
	metrics.TelemetryRecordsIngested.Inc()
	return nil
}

// derivePatternSignature builds the incident_type:runbook_id:hostname key
// IngestOne stores for a record submitted without one (spec §4.4 step 1).
func derivePatternSignature(rec Record) string {
	return fmt.Sprintf("%s:%s:%s", rec.IncidentType, runbookIDOrEmpty(rec.RunbookID), rec.Hostname)
}

func runbookIDOrEmpty(id *string) string {
	if id == nil {
		return ""
	}
	return *id
}

func levelColumn(level string) string {
	switch level {
	case "L1":
		return "l1_count"
	case "L2":
		return "l2_count"
	default:
		return "l3_count"
	}
}

// upsertSiteAggregate maintains aggregated_pattern_stats keyed by
// (site_id, pattern_signature) (spec §4.4 step 4-5).
func (i *Ingest) upsertSiteAggregate(ctx context.Context, tx pgx.Tx, rec Record) error {
	levelCol := levelColumn(rec.ResolutionLevel)
	successInc := 0
	if rec.Success {
		successInc = 1
	}

	durationMs := int64(0)
	if rec.DurationSeconds != nil {
		durationMs = int64(*rec.DurationSeconds * 1000)
	}

	query := fmt.Sprintf(`
		INSERT INTO aggregated_pattern_stats
			(site_id, pattern_signature, total_occurrences, %s, success_count, success_rate,
			 avg_resolution_time_ms, recommended_action, promotion_eligible, last_seen)
		VALUES ($1, $2, 1, 1, $3, CASE WHEN $3 = 1 THEN 1.0 ELSE 0.0 END, $4, $5, false, now())
		ON CONFLICT (site_id, pattern_signature) DO UPDATE SET
			total_occurrences = aggregated_pattern_stats.total_occurrences + 1,
			%s = aggregated_pattern_stats.%s + 1,
			success_count = aggregated_pattern_stats.success_count + $3,
			success_rate = (aggregated_pattern_stats.success_count + $3)::numeric
				/ (aggregated_pattern_stats.total_occurrences + 1),
			avg_resolution_time_ms = (
				(COALESCE(aggregated_pattern_stats.avg_resolution_time_ms, 0) * aggregated_pattern_stats.total_occurrences + $4)
				/ (aggregated_pattern_stats.total_occurrences + 1)
			),
			recommended_action = COALESCE(aggregated_pattern_stats.recommended_action, $5),
			last_seen = now()
		RETURNING total_occurrences, success_rate, last_seen`,
		levelCol, levelCol, levelCol)

	var total int64
	var successRate float64
	var lastSeen time.Time
	if err := tx.QueryRow(ctx, query, rec.SiteID, rec.PatternSignature, successInc, durationMs, runbookIDOrEmpty(rec.RunbookID)).
		Scan(&total, &successRate, &lastSeen); err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "upsert aggregated_pattern_stats", err)
	}

	eligible := total >= PromotionMinOccurrences && successRate >= PromotionMinSuccessRate && time.Since(lastSeen) <= PromotionWindow
	_, err := tx.Exec(ctx, `
		UPDATE aggregated_pattern_stats SET promotion_eligible = $1
		WHERE site_id = $2 AND pattern_signature = $3`, eligible, rec.SiteID, rec.PatternSignature)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "set promotion_eligible", err)
	}
	return nil
}

// platformAutoPromoteThresholds are the cross-client thresholds from spec
// §3: "Auto-promoted (no approval) when distinct_orgs >= 5 and total >= 20
// and success_rate >= 0.90."
const (
	PlatformMinDistinctOrgs = 5
	PlatformMinTotal        = 20
	PlatformMinSuccessRate  = 0.90
)

// upsertPlatformAggregate maintains platform_pattern_stats keyed by
// incident_type:runbook_id (spec §4.4 step 6, §3 cross-client aggregate).
func (i *Ingest) upsertPlatformAggregate(ctx context.Context, tx pgx.Tx, rec Record) error {
	patternKey := fmt.Sprintf("%s:%s", rec.IncidentType, runbookIDOrEmpty(rec.RunbookID))
	successInc := 0
	if rec.Success {
		successInc = 1
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO platform_pattern_stats (pattern_key, distinct_sites, distinct_orgs, total_occurrences, success_count, success_rate, last_seen)
		VALUES ($1, 1, 1, 1, $2, CASE WHEN $2 = 1 THEN 1.0 ELSE 0.0 END, now())
		ON CONFLICT (pattern_key) DO UPDATE SET
			total_occurrences = platform_pattern_stats.total_occurrences + 1,
			success_count = platform_pattern_stats.success_count + $2,
			success_rate = (platform_pattern_stats.success_count + $2)::numeric
				/ (platform_pattern_stats.total_occurrences + 1),
			last_seen = now()`,
		patternKey, successInc)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "upsert platform_pattern_stats", err)
	}

	// distinct_sites/distinct_orgs are recomputed from execution_telemetry
	// directly rather than tracked incrementally, since a site seen before
	// never needs to double-count.
	_, err = tx.Exec(ctx, `
		UPDATE platform_pattern_stats SET
			distinct_sites = (
				SELECT COUNT(DISTINCT site_id) FROM execution_telemetry
				WHERE incident_type = $2 AND COALESCE(runbook_id, '') = $3
			),
			distinct_orgs = (
				SELECT COUNT(DISTINCT s.client_org_id) FROM execution_telemetry t
				JOIN sites s ON s.site_id = t.site_id
				WHERE t.incident_type = $2 AND COALESCE(t.runbook_id, '') = $3 AND s.client_org_id IS NOT NULL
			)
		WHERE pattern_key = $1`,
		patternKey, rec.IncidentType, runbookIDOrEmpty(rec.RunbookID))
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "recompute platform distinct counts", err)
	}
	return nil
}

// ArchiveOlderThan rolls execution_telemetry rows older than age into
// telemetry_archive, then deletes them from the hot table (spec §3
// "rolled into telemetry_archive at age > 90 days").
func (i *Ingest) ArchiveOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	var rowsArchived int64
	err := pgx.BeginFunc(ctx, i.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO telemetry_archive (pattern_signature, site_id, period_start, period_end,
				total_occurrences, success_count, avg_duration_seconds)
			SELECT pattern_signature, site_id, date_trunc('day', min(occurred_at))::date,
				date_trunc('day', max(occurred_at))::date,
				count(*), count(*) FILTER (WHERE success), avg(duration_seconds)
			FROM execution_telemetry
			WHERE occurred_at < now() - $1::interval
			GROUP BY pattern_signature, site_id
			ON CONFLICT (pattern_signature, site_id, period_start) DO UPDATE SET
				period_end = GREATEST(telemetry_archive.period_end, EXCLUDED.period_end),
				total_occurrences = telemetry_archive.total_occurrences + EXCLUDED.total_occurrences,
				success_count = telemetry_archive.success_count + EXCLUDED.success_count`,
			fmt.Sprintf("%d seconds", int64(age.Seconds())),
		)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "archive telemetry summaries", err)
		}
		_ = tag

		tag, err = tx.Exec(ctx, `DELETE FROM execution_telemetry WHERE occurred_at < now() - $1::interval`,
			fmt.Sprintf("%d seconds", int64(age.Seconds())))
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "delete archived telemetry", err)
		}
		rowsArchived = tag.RowsAffected()
		return nil
	})
	return rowsArchived, err
}
