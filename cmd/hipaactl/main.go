// hipaactl is the control plane's operator CLI (spec §6): create
// appliance-targeted orders, drive staged rollouts, mark release latest,
// verify and repair an evidence chain, and force a platform pattern scan.
// Every invocation that mutates state is recorded to the append-only
// operator audit log.
//
// Grounded on the operator-facing command style the rest of the pack
// uses cobra for (certenIO-certen-validator, vmware-tanzu-sonobuoy):
// one root command, one subcommand tree per resource, flags bound with
// viper-free plain pflag since this binary takes no config file of its
// own beyond --database-url / --signing-key.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/osiriscare/controlplane/internal/audit"
	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/errkind"
	"github.com/osiriscare/controlplane/internal/evidence"
	"github.com/osiriscare/controlplane/internal/notify"
	"github.com/osiriscare/controlplane/internal/orders"
	"github.com/osiriscare/controlplane/internal/promotion"
	"github.com/osiriscare/controlplane/internal/rollout"
	"github.com/osiriscare/controlplane/internal/signing"
)

const (
	exitOK        = 0
	exitRuntime   = 1
	exitInvariant = 2
)

var (
	flagDatabaseURL string
	flagSigningKey  string
	flagActor       string
)

func main() {
	root := &cobra.Command{
		Use:           "hipaactl",
		Short:         "Operate the HIPAA fleet control plane",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDatabaseURL, "database-url", os.Getenv("CONTROLPLANE_DATABASE_URL"), "Postgres connection string")
	root.PersistentFlags().StringVar(&flagSigningKey, "signing-key", "/var/lib/controlplane/keys/signing.key", "path to the control plane Ed25519 signing key")
	root.PersistentFlags().StringVar(&flagActor, "actor", os.Getenv("USER"), "operator identity recorded in the audit log")

	root.AddCommand(newOrderCmd(), newRolloutCmd(), newReleaseCmd(), newEvidenceCmd(), newChainCmd(), newPatternCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if kind, ok := errkind.As(err); ok && kind == errkind.InvariantViolation {
			os.Exit(exitInvariant)
		}
		os.Exit(exitRuntime)
	}
}

// ctlDeps bundles the store connections a command needs; opened lazily
// per invocation since hipaactl is a short-lived process, not a server.
type ctlDeps struct {
	db     *db.DB
	audit  *audit.Log
	signer *signing.Signer
}

func connect(ctx context.Context) (*ctlDeps, error) {
	if flagDatabaseURL == "" {
		return nil, fmt.Errorf("--database-url (or CONTROLPLANE_DATABASE_URL) is required")
	}
	database, err := db.Open(ctx, flagDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	signer, err := signing.LoadOrCreate(flagSigningKey)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	return &ctlDeps{db: database, audit: audit.New(database), signer: signer}, nil
}

func (d *ctlDeps) close() { d.db.Close() }

func newOrderCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "order", Short: "Manage fleet orders"}

	var applianceID, commandType, ttl, paramsJSON, dedupKey string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an order targeting one appliance",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			dur, err := time.ParseDuration(ttl)
			if err != nil {
				return fmt.Errorf("invalid --ttl: %w", err)
			}
			var params map[string]interface{}
			if paramsJSON != "" {
				if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
					return fmt.Errorf("invalid --params JSON: %w", err)
				}
			}
			var dedup *string
			if dedupKey != "" {
				dedup = &dedupKey
			}

			registry := orders.New(deps.db, deps.signer)
			appID := applianceID
			orderID, err := registry.CreateOrder(ctx, orders.KindAppliance, &appID, commandType, params, dur, dedup, nil)
			if err != nil {
				return err
			}
			if err := deps.audit.Record(ctx, flagActor, "order.create", "appliance", applianceID, map[string]interface{}{
				"order_id": orderID, "command_type": commandType,
			}); err != nil {
				fmt.Fprintln(os.Stderr, "warning: audit log write failed:", err)
			}
			fmt.Println(orderID)
			return nil
		},
	}
	create.Flags().StringVar(&applianceID, "appliance", "", "target appliance id")
	create.Flags().StringVar(&commandType, "command", "", "command_type")
	create.Flags().StringVar(&ttl, "ttl", "1h", "order time-to-live")
	create.Flags().StringVar(&paramsJSON, "params", "", "JSON-encoded order parameters")
	create.Flags().StringVar(&dedupKey, "dedup-key", "", "optional dedup key")
	create.MarkFlagRequired("appliance")
	create.MarkFlagRequired("command")

	cmd.AddCommand(create)
	return cmd
}

func newRolloutCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rollout", Short: "Drive staged release rollouts"}

	var releaseID, rolloutID, targetJSON, stagesJSON string
	var failureThreshold float64
	var autoRollback bool
	start := &cobra.Command{
		Use:   "start",
		Short: "Start a staged rollout for a release",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()

			var target map[string]interface{}
			if targetJSON != "" {
				if err := json.Unmarshal([]byte(targetJSON), &target); err != nil {
					return fmt.Errorf("invalid --target JSON: %w", err)
				}
			}
			var stages []rollout.Stage
			if err := json.Unmarshal([]byte(stagesJSON), &stages); err != nil {
				return fmt.Errorf("invalid --stages JSON: %w", err)
			}

			ctl := rollout.New(deps.db, orders.New(deps.db, deps.signer), notify.New("", zap.NewNop()))
			if err := ctl.StartRollout(ctx, rolloutID, releaseID, target, stages, failureThreshold, autoRollback); err != nil {
				return err
			}
			return deps.audit.Record(ctx, flagActor, "rollout.start", "rollout", rolloutID, map[string]interface{}{"release_id": releaseID})
		},
	}
	start.Flags().StringVar(&rolloutID, "rollout-id", "", "rollout id")
	start.Flags().StringVar(&releaseID, "release", "", "release id")
	start.Flags().StringVar(&targetJSON, "target", "", "JSON target filter")
	start.Flags().StringVar(&stagesJSON, "stages", "", `JSON stage list, e.g. [{"percent":5},{"percent":25},{"percent":100}]`)
	start.Flags().Float64Var(&failureThreshold, "failure-threshold-percent", 10, "auto-pause failure threshold")
	start.Flags().BoolVar(&autoRollback, "auto-rollback", false, "automatically roll back on threshold breach")
	start.MarkFlagRequired("rollout-id")
	start.MarkFlagRequired("release")
	start.MarkFlagRequired("stages")

	pause := &cobra.Command{
		Use:   "pause",
		Short: "Pause a running rollout",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()
			ctl := rollout.New(deps.db, orders.New(deps.db, deps.signer), notify.New("", zap.NewNop()))
			if err := ctl.Pause(ctx, rolloutID); err != nil {
				return err
			}
			return deps.audit.Record(ctx, flagActor, "rollout.pause", "rollout", rolloutID, nil)
		},
	}
	pause.Flags().StringVar(&rolloutID, "rollout-id", "", "rollout id")
	pause.MarkFlagRequired("rollout-id")

	cancel := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel a rollout",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()
			ctl := rollout.New(deps.db, orders.New(deps.db, deps.signer), notify.New("", zap.NewNop()))
			if err := ctl.Cancel(ctx, rolloutID); err != nil {
				return err
			}
			return deps.audit.Record(ctx, flagActor, "rollout.cancel", "rollout", rolloutID, nil)
		},
	}
	cancel.Flags().StringVar(&rolloutID, "rollout-id", "", "rollout id")
	cancel.MarkFlagRequired("rollout-id")

	cmd.AddCommand(start, pause, cancel)
	return cmd
}

func newReleaseCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "release", Short: "Manage update releases"}

	var releaseID string
	markLatest := &cobra.Command{
		Use:   "mark-latest",
		Short: "Mark a release as the fleet's latest",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()
			if err := rollout.MarkLatest(ctx, deps.db, releaseID); err != nil {
				return err
			}
			return deps.audit.Record(ctx, flagActor, "release.mark_latest", "release", releaseID, nil)
		},
	}
	markLatest.Flags().StringVar(&releaseID, "release", "", "release id")
	markLatest.MarkFlagRequired("release")

	cmd.AddCommand(markLatest)
	return cmd
}

func newEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "evidence", Short: "Inspect evidence chains"}

	var siteID string
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Verify a site's evidence hash chain",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()
			svc := evidence.New(deps.db, signing.NewVerifier())
			brokenAt, err := svc.VerifyChain(ctx, siteID)
			if err != nil {
				return err
			}
			if brokenAt == 0 {
				fmt.Println("chain intact")
				return nil
			}
			fmt.Printf("chain broken at position %d\n", brokenAt)
			return errkind.New(errkind.InvariantViolation, "evidence chain is broken")
		},
	}
	verify.Flags().StringVar(&siteID, "site", "", "site id")
	verify.MarkFlagRequired("site")

	cmd.AddCommand(verify)
	return cmd
}

func newChainCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "chain", Short: "Repair evidence chain metadata"}

	var siteID string
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Recompute chain metadata for a site (never touches evidence content)",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()
			svc := evidence.New(deps.db, signing.NewVerifier())
			repaired, err := svc.RepairChain(ctx, siteID)
			if err != nil {
				return err
			}
			if err := deps.audit.Record(ctx, flagActor, "chain.repair", "site", siteID, map[string]interface{}{"repaired": repaired}); err != nil {
				fmt.Fprintln(os.Stderr, "warning: audit log write failed:", err)
			}
			fmt.Printf("repaired %d bundles\n", repaired)
			return nil
		},
	}
	repair.Flags().StringVar(&siteID, "site", "", "site id")
	repair.MarkFlagRequired("site")

	cmd.AddCommand(repair)
	return cmd
}

func newPatternCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "pattern", Short: "Drive cross-client pattern promotion"}

	scan := &cobra.Command{
		Use:   "scan",
		Short: "Force a platform-wide auto-promotion scan",
		RunE: func(c *cobra.Command, args []string) error {
			ctx := c.Context()
			deps, err := connect(ctx)
			if err != nil {
				return err
			}
			defer deps.close()
			ctl := promotion.New(deps.db, orders.New(deps.db, deps.signer))
			n, err := ctl.AutoPromotePlatform(ctx)
			if err != nil {
				return err
			}
			if err := deps.audit.Record(ctx, flagActor, "pattern.scan", "platform", "*", map[string]interface{}{"promoted": n}); err != nil {
				fmt.Fprintln(os.Stderr, "warning: audit log write failed:", err)
			}
			fmt.Printf("promoted %d patterns\n", n)
			return nil
		},
	}
	scan.Flags().Bool("platform", true, "scan the full platform (only mode supported)")

	cmd.AddCommand(scan)
	return cmd
}
