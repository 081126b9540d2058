// Package evidence implements the per-site hash chain: race-free bundle
// append under a per-site advisory lock, signature verification against
// stored appliance keys, framework-control mapping, and compliance-score
// computation.
//
// An appliance's own evidence submitter builds and signs a bundle; this
// package receives and chains it, implementing spec §4.3's append
// algorithm server-side -- the chain itself is something no appliance
// ever sees.
package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/metrics"
	"github.com/osiriscare/controlplane/internal/signing"
)

// GenesisPrevHash is the 64-character zero sentinel used as prev_hash for
// the first bundle in a site's chain (spec §3, §6).
const GenesisPrevHash = "0000000000000000000000000000000000000000000000000000000000000000"

// BundleSubmission is the inbound evidence bundle submit request (spec §6).
type BundleSubmission struct {
	BundleID         string
	SiteID           string
	ApplianceID      string
	CheckType        string
	CheckResult      string
	Checks           json.RawMessage
	Summary          json.RawMessage
	SignedData       []byte
	Signature        string
	CheckedAt        time.Time
	NTPVerification  json.RawMessage
}

// SubmitResult is the response contract. Accepted is false only for an
// unknown site; a duplicate bundle_id returns the stored row's result with
// Accepted true, and a storage failure is returned as an error instead.
type SubmitResult struct {
	Accepted       bool
	Reason         string
	ChainPosition  int64
	ChainHash      string
	SignatureValid bool
}

// Service appends bundles to per-site chains and maps them to framework
// controls.
type Service struct {
	db       *db.DB
	verifier *signing.Verifier
}

func New(database *db.DB, verifier *signing.Verifier) *Service {
	return &Service{db: database, verifier: verifier}
}

// SubmitBundle runs the full append algorithm from spec §4.3. Duplicate
// bundle_id is idempotent: the bundle_id is looked up under the per-site
// lock, and one already stored returns success with the existing row's
// chain position, chain hash and signature flag, without touching the
// appliance counters or framework mappings again.
func (s *Service) SubmitBundle(ctx context.Context, sub BundleSubmission) (*SubmitResult, error) {
	start := time.Now()
	defer func() { metrics.EvidenceChainAppendDuration.Observe(time.Since(start).Seconds()) }()

	var result SubmitResult
	err := pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, `
			SELECT EXISTS(SELECT 1 FROM sites WHERE site_id = $1)`, sub.SiteID,
		).Scan(&exists); err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "check site exists", err)
		}
		if !exists {
			result = SubmitResult{Accepted: false, Reason: "unknown site"}
			return nil
		}

		// Per-site advisory lock, held for the rest of this transaction.
		// This is the sole fix for the historical duplicate chain_position
		// race (spec §5) -- never replace with optimistic CAS on
		// max(chain_position).
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, sub.SiteID); err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "acquire site advisory lock", err)
		}

		var alreadyChainPos int64
		var alreadyChainHash string
		var alreadySigValid bool
		err := tx.QueryRow(ctx, `
			SELECT chain_position, chain_hash, signature_valid FROM evidence_bundles WHERE bundle_id = $1`,
			sub.BundleID,
		).Scan(&alreadyChainPos, &alreadyChainHash, &alreadySigValid)
		if err == nil {
			result = SubmitResult{Accepted: true, ChainPosition: alreadyChainPos, ChainHash: alreadyChainHash, SignatureValid: alreadySigValid}
			return nil
		}
		if err != pgx.ErrNoRows {
			return errkind.Wrap(errkind.UpstreamUnavailable, "check duplicate bundle", err)
		}

		var prevBundleID *string
		var prevHash string
		var maxPos int64
		err = tx.QueryRow(ctx, `
			SELECT bundle_id, bundle_hash, chain_position FROM evidence_bundles
			WHERE site_id = $1 ORDER BY chain_position DESC LIMIT 1`, sub.SiteID,
		).Scan(&prevBundleID, &prevHash, &maxPos)
		if err == pgx.ErrNoRows {
			prevHash = GenesisPrevHash
			maxPos = 0
		} else if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load chain tail", err)
		}
		position := maxPos + 1

		bundleHash := sha256Hex(sub.Checks)

		var otsEnabled bool
		if err := tx.QueryRow(ctx, `SELECT ots_enabled FROM sites WHERE site_id = $1`, sub.SiteID).Scan(&otsEnabled); err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load site ots enrollment", err)
		}
		otsStatus := "none"
		if otsEnabled {
			otsStatus = "pending"
		}

		var pubKeyHex string
		err = tx.QueryRow(ctx, `SELECT COALESCE(public_key_hex, '') FROM appliances WHERE appliance_id = $1`, sub.ApplianceID).Scan(&pubKeyHex)
		if err == pgx.ErrNoRows {
			return errkind.New(errkind.InvariantViolation, "unknown appliance")
		}
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load appliance public key", err)
		}

		sigValid := pubKeyHex != "" && s.verifier.Verify(pubKeyHex, string(sub.SignedData), sub.Signature) == nil

		chainHash := chainHashOf(bundleHash, prevHash, position)

		_, err = tx.Exec(ctx, `
			INSERT INTO evidence_bundles (bundle_id, site_id, appliance_id, check_type, check_result,
				checks, summary, bundle_hash, prev_bundle_id, prev_hash, chain_position, chain_hash,
				signed_data, signature, signature_valid, checked_at, ntp_verification, ots_status)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
			sub.BundleID, sub.SiteID, sub.ApplianceID, sub.CheckType, sub.CheckResult,
			sub.Checks, sub.Summary, bundleHash, prevBundleID, prevHash, position, chainHash,
			sub.SignedData, sub.Signature, sigValid, sub.CheckedAt, sub.NTPVerification, otsStatus,
		)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert evidence bundle", err)
		}

		if sigValid {
			_, err = tx.Exec(ctx, `
				UPDATE appliances SET evidence_rejection_count = 0, last_evidence_accepted = now()
				WHERE appliance_id = $1`, sub.ApplianceID)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE appliances SET evidence_rejection_count = evidence_rejection_count + 1, last_evidence_rejection = now()
				WHERE appliance_id = $1`, sub.ApplianceID)
		}
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "update appliance evidence state", err)
		}

		if err := s.mapFrameworkControls(ctx, tx, sub); err != nil {
			return err
		}

		metrics.EvidenceBundlesAppended.WithLabelValues(boolLabel(sigValid)).Inc()
		result = SubmitResult{Accepted: true, ChainPosition: position, ChainHash: chainHash, SignatureValid: sigValid}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// mapFrameworkControls resolves each check in the bundle to its framework
// controls via check_control_mappings (spec §4.3 "Framework mapping").
func (s *Service) mapFrameworkControls(ctx context.Context, tx pgx.Tx, sub BundleSubmission) error {
	rows, err := tx.Query(ctx, `SELECT framework, control_id FROM check_control_mappings WHERE check_type = $1`, sub.CheckType)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "load check control mappings", err)
	}
	defer rows.Close()

	outcome := sub.CheckResult
	for rows.Next() {
		var framework, controlID string
		if err := rows.Scan(&framework, &controlID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO evidence_framework_mappings (bundle_id, framework, control_id, outcome)
			VALUES ($1, $2, $3, $4) ON CONFLICT DO NOTHING`,
			sub.BundleID, framework, controlID, outcome)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "insert framework mapping", err)
		}
	}
	return rows.Err()
}

// RefreshComplianceScore recomputes (distinct passing controls) / (distinct
// controls) over the trailing window for one appliance+framework. Kept as
// explicit transactional Go rather than the source's stored procedure
// (spec §9 "Schema-as-truth": aggregation becomes application code).
func (s *Service) RefreshComplianceScore(ctx context.Context, applianceID, framework string, window time.Duration) (float64, error) {
	var totalControls, passingControls int64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT control_id) FROM evidence_framework_mappings m
		JOIN evidence_bundles b ON b.bundle_id = m.bundle_id
		WHERE b.appliance_id = $1 AND m.framework = $2 AND b.created_at > now() - $3::interval`,
		applianceID, framework, fmt.Sprintf("%d seconds", int64(window.Seconds())),
	).Scan(&totalControls)
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "count total controls", err)
	}
	if totalControls == 0 {
		return 0, nil
	}
	err = s.db.Pool.QueryRow(ctx, `
		SELECT COUNT(DISTINCT control_id) FROM evidence_framework_mappings m
		JOIN evidence_bundles b ON b.bundle_id = m.bundle_id
		WHERE b.appliance_id = $1 AND m.framework = $2 AND b.created_at > now() - $3::interval
		AND m.outcome IN ('pass', 'remediated')`,
		applianceID, framework, fmt.Sprintf("%d seconds", int64(window.Seconds())),
	).Scan(&passingControls)
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "count passing controls", err)
	}

	score := float64(passingControls) / float64(totalControls)
	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO compliance_scores (appliance_id, framework, score, window_days, refreshed_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (appliance_id, framework) DO UPDATE SET score = EXCLUDED.score, refreshed_at = now()`,
		applianceID, framework, score, int(window.Hours()/24))
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "persist compliance score", err)
	}
	return score, nil
}

// VerifyChain recomputes every chain_hash forward from genesis for a site
// and reports the first position at which it diverges from storage, if
// any (spec §4.3 "Chain verification", §8 property 3).
func (s *Service) VerifyChain(ctx context.Context, siteID string) (brokenAt int64, err error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT chain_position, bundle_hash, prev_hash, chain_hash FROM evidence_bundles
		WHERE site_id = $1 ORDER BY chain_position ASC`, siteID)
	if err != nil {
		return 0, errkind.Wrap(errkind.UpstreamUnavailable, "load chain for verification", err)
	}
	defer rows.Close()

	expectedPrev := GenesisPrevHash
	var expectedPos int64 = 1
	for rows.Next() {
		var pos int64
		var bundleHash, prevHash, chainHash string
		if err := rows.Scan(&pos, &bundleHash, &prevHash, &chainHash); err != nil {
			return 0, err
		}
		if pos != expectedPos {
			return pos, nil
		}
		if prevHash != expectedPrev {
			return pos, nil
		}
		if chainHashOf(bundleHash, prevHash, pos) != chainHash {
			return pos, nil
		}
		expectedPrev = bundleHash
		expectedPos++
	}
	return 0, rows.Err()
}

// RepairChain recomputes chain metadata (prev_bundle_id, prev_hash,
// chain_position, chain_hash) for an entire site as one unit, the only
// sanctioned way to rewrite those columns (spec §4.3 "chain-repair
// procedure"). Evidence content -- checks, bundle_hash, signature -- is
// never touched; storage rejects any attempt to do so regardless.
// Ordering within the repaired chain follows created_at, since a repair is
// only ever needed after chain metadata (not insertion order) has drifted.
func (s *Service) RepairChain(ctx context.Context, siteID string) (repaired int64, err error) {
	err = pgx.BeginFunc(ctx, s.db.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1)::bigint)`, siteID); err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "acquire site advisory lock for repair", err)
		}

		rows, err := tx.Query(ctx, `
			SELECT bundle_id, bundle_hash FROM evidence_bundles
			WHERE site_id = $1 ORDER BY created_at ASC, bundle_id ASC`, siteID)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load chain for repair", err)
		}
		type row struct{ bundleID, bundleHash string }
		var ordered []row
		for rows.Next() {
			var r row
			if err := rows.Scan(&r.bundleID, &r.bundleHash); err != nil {
				rows.Close()
				return err
			}
			ordered = append(ordered, r)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		prevBundleID := (*string)(nil)
		prevHash := GenesisPrevHash
		for i, r := range ordered {
			position := int64(i + 1)
			chainHash := chainHashOf(r.bundleHash, prevHash, position)
			bundleID := r.bundleID
			_, err := tx.Exec(ctx, `
				UPDATE evidence_bundles
				SET prev_bundle_id = $1, prev_hash = $2, chain_position = $3, chain_hash = $4
				WHERE bundle_id = $5`,
				prevBundleID, prevHash, position, chainHash, bundleID)
			if err != nil {
				return errkind.Wrap(errkind.UpstreamUnavailable, "repair chain row", err)
			}
			prevBundleID = &bundleID
			prevHash = r.bundleHash
		}
		repaired = int64(len(ordered))
		return nil
	})
	return repaired, err
}

func sha256Hex(content json.RawMessage) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// chainHashOf implements spec §6's chain hash formula exactly:
// SHA256_HEX(bundle_hash || ":" || prev_hash || ":" || chain_position_decimal).
func chainHashOf(bundleHash, prevHash string, position int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", bundleHash, prevHash, position)))
	return hex.EncodeToString(sum[:])
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
