package checkin

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/orders"
	"github.com/osiriscare/controlplane/internal/signing"
)

// Dispatcher handles the once-per-cycle checkin contract (spec §4.2),
// generalizing the per-site query shapes an appliance's own checkin store
// uses (site dedup, admin/fleet order fan-in, credential gating) to the
// full cross-site control plane.
type Dispatcher struct {
	db     *db.DB
	orders *orders.Registry
	signer *signing.Signer
}

func New(database *db.DB, registry *orders.Registry, signer *signing.Signer) *Dispatcher {
	return &Dispatcher{db: database, orders: registry, signer: signer}
}

// ValidateAPIKey checks a site's provisioned API key by constant-time
// comparison of its SHA-256 digest, the same per-site auth an appliance's
// checkin client expects before it will trust a response.
func (d *Dispatcher) ValidateAPIKey(ctx context.Context, siteID, apiKey string) (bool, error) {
	var storedHash string
	err := d.db.Pool.QueryRow(ctx, `SELECT api_key_hash FROM sites WHERE site_id = $1`, siteID).Scan(&storedHash)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errkind.Wrap(errkind.UpstreamUnavailable, "load site api key", err)
	}
	sum := sha256.Sum256([]byte(apiKey))
	return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(storedHash)) == 1, nil
}

// ClaimAppliance consumes a single-use, TTL'd claim code and provisions a
// new appliance row for the named site. Not in spec.md's distilled
// contract, but spec.md §3 names "provisioned via a short-lived claim
// code" without defining the operation -- this is the missing piece,
// grounded on the dedup-by-identity logic below, which is the mechanism
// this feeds into.
func (d *Dispatcher) ClaimAppliance(ctx context.Context, claimCode, mac, hostname string) (string, error) {
	var applianceID string
	err := pgx.BeginFunc(ctx, d.db.Pool, func(tx pgx.Tx) error {
		var siteID string
		var expiresAt time.Time
		var consumedAt *time.Time
		err := tx.QueryRow(ctx,
			`SELECT site_id, expires_at, consumed_at FROM appliance_claims WHERE claim_code = $1 FOR UPDATE`,
			claimCode,
		).Scan(&siteID, &expiresAt, &consumedAt)
		if err == pgx.ErrNoRows {
			return errkind.New(errkind.QuotaOrValidation, "unknown claim code")
		}
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load claim code", err)
		}
		if consumedAt != nil {
			return errkind.New(errkind.QuotaOrValidation, "claim code already consumed")
		}
		if time.Now().After(expiresAt) {
			return errkind.New(errkind.QuotaOrValidation, "claim code expired")
		}

		applianceID = CanonicalApplianceID(siteID, mac)
		_, err = tx.Exec(ctx, `
			INSERT INTO appliances (appliance_id, site_id, mac_address, hostname, lifecycle_state)
			VALUES ($1, $2, $3, $4, 'active')
			ON CONFLICT (appliance_id) DO NOTHING`,
			applianceID, siteID, NormalizeMAC(mac), hostname)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "provision appliance", err)
		}

		_, err = tx.Exec(ctx, `UPDATE appliance_claims SET consumed_at = now() WHERE claim_code = $1`, claimCode)
		return err
	})
	if err != nil {
		return "", err
	}
	return applianceID, nil
}

// mergeDuplicateAppliances deletes any other appliance rows at this site
// sharing the same MAC or hostname as canonicalID, leaving canonicalID as
// the one row for that identity: an appliance that re-registers under a changed
// MAC/hostname combination would otherwise accumulate ghost rows, and the
// spec's lifecycle (provisioned -> active -> suspended) never revisits
// identity on its own.
func (d *Dispatcher) mergeDuplicateAppliances(ctx context.Context, tx pgx.Tx, siteID, canonicalID, mac, hostname string) error {
	normMAC := NormalizeMAC(mac)
	rows, err := tx.Query(ctx, `
		SELECT appliance_id FROM appliances
		WHERE site_id = $1 AND appliance_id != $2
		AND ((mac_address != '' AND mac_address = $3) OR (hostname != '' AND hostname = $4))`,
		siteID, canonicalID, normMAC, hostname)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "find duplicate appliances", err)
	}
	var dupes []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		dupes = append(dupes, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	if len(dupes) == 0 {
		return nil
	}
	_, err = tx.Exec(ctx, `DELETE FROM appliances WHERE appliance_id = ANY($1)`, dupes)
	if err != nil {
		return errkind.Wrap(errkind.UpstreamUnavailable, "delete duplicate appliances", err)
	}
	return nil
}

// ProcessCheckin runs the full per-cycle pipeline: authenticate is the
// caller's job (ValidateAPIKey); this updates heartbeat state, dequeues
// orders, decides credential delivery, and reports healing tier/l2_mode/
// rule bundle version -- spec §4.2 steps 2-6, in one transaction.
func (d *Dispatcher) ProcessCheckin(ctx context.Context, req CheckinRequest) (*CheckinResponse, error) {
	canonicalID := req.ApplianceID
	if canonicalID == "" {
		canonicalID = CanonicalApplianceID(req.SiteID, req.MACAddress)
	}
	now := time.Now().UTC()

	resp := &CheckinResponse{
		Orders: []OrderDTO{},
	}

	err := pgx.BeginFunc(ctx, d.db.Pool, func(tx pgx.Tx) error {
		// Non-critical: the merge runs under a savepoint, so a failed merge
		// is rolled back on its own and leaves ghost rows but does not
		// block this checkin from completing.
		_ = pgx.BeginFunc(ctx, tx, func(sp pgx.Tx) error {
			return d.mergeDuplicateAppliances(ctx, sp, req.SiteID, canonicalID, req.MACAddress, req.Hostname)
		})

		_, err := tx.Exec(ctx, `
			INSERT INTO appliances (appliance_id, site_id, mac_address, hostname, agent_version,
				current_version, active_partition, capability_tier, last_checkin_at, lifecycle_state)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 'active')
			ON CONFLICT (appliance_id) DO UPDATE SET
				agent_version = EXCLUDED.agent_version,
				current_version = EXCLUDED.current_version,
				active_partition = EXCLUDED.active_partition,
				capability_tier = EXCLUDED.capability_tier,
				last_checkin_at = EXCLUDED.last_checkin_at`,
			canonicalID, req.SiteID, NormalizeMAC(req.MACAddress), req.Hostname, req.AgentVersion,
			req.AgentVersion, req.ActivePartition, req.CapabilityTier, now)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "upsert appliance heartbeat", err)
		}

		var healingTier string
		var siteCredVersion int
		var credCiphertext []byte
		var ruleVersion int
		var ruleURL, ruleSHA, ruleSig string
		err = tx.QueryRow(ctx, `
			SELECT healing_tier, credentials_version, credentials_ciphertext,
				rule_bundle_version, rule_bundle_url, rule_bundle_sha256, rule_bundle_signature
			FROM sites WHERE site_id = $1`, req.SiteID,
		).Scan(&healingTier, &siteCredVersion, &credCiphertext, &ruleVersion, &ruleURL, &ruleSHA, &ruleSig)
		if err == pgx.ErrNoRows {
			return errkind.New(errkind.InvariantViolation, "unknown site")
		}
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load site state", err)
		}

		var l2Mode string
		var applianceCredVersion int
		err = tx.QueryRow(ctx, `SELECT l2_mode, credentials_version FROM appliances WHERE appliance_id = $1`, canonicalID).
			Scan(&l2Mode, &applianceCredVersion)
		if err != nil {
			return errkind.Wrap(errkind.UpstreamUnavailable, "load appliance l2_mode", err)
		}

		resp.HealingTier = healingTier
		resp.L2Mode = l2Mode
		resp.RuleBundle = RuleBundleDTO{Version: ruleVersion, URL: ruleURL, SHA256: ruleSHA, Signature: ruleSig}

		// Conditional credential delivery (spec §4.2 step 4): gated on the
		// stored appliances.credentials_version, not the client-reported
		// value, so a lost or replayed response can't desync delivery.
		// Advancing it in the same transaction as delivery is this
		// protocol's on_ack: there is no separate acknowledgement
		// round-trip for credentials, so the checkin response is the act
		// of delivery.
		if siteCredVersion > applianceCredVersion && len(credCiphertext) > 0 {
			resp.Credentials = &CredentialsDTO{
				Version:       siteCredVersion,
				CiphertextB64: base64.StdEncoding.EncodeToString(credCiphertext),
			}
			_, err = tx.Exec(ctx, `
				UPDATE appliances SET credentials_version = $1, credentials_provisioned_at = now()
				WHERE appliance_id = $2`, siteCredVersion, canonicalID)
			if err != nil {
				return errkind.Wrap(errkind.UpstreamUnavailable, "advance appliance credentials version", err)
			}
		}

		dequeued, err := d.orders.DequeueForAppliance(ctx, canonicalID, req.AgentVersion)
		if err != nil {
			return err
		}
		for _, o := range dequeued {
			resp.Orders = append(resp.Orders, OrderDTO{
				OrderID:       o.OrderID,
				Type:          o.CommandType,
				Parameters:    o.Parameters,
				Nonce:         o.Nonce,
				IssuedAt:      isoTime(o.IssuedAt),
				ExpiresAt:     isoTime(o.ExpiresAt),
				Signature:     o.Signature,
				SignedPayload: string(o.SignedPayload),
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
