// controlplane-worker runs the control plane's cadence-driven background
// jobs: order expiry sweep, OpenTimestamps submit/upgrade, telemetry
// archival, rollout stage advance, and platform pattern auto-promotion
// scan (spec §5 "background workers run on their own cadences").
//
// Uses the same goroutine/WaitGroup drain shape an appliance daemon uses
// for its own subsystems, generalized from "one appliance's subsystems" to
// "the control plane's background jobs" and scheduled with robfig/cron/v3
// instead of ad hoc ticker loops.
//
// Usage:
//
//	controlplane-worker --config /etc/controlplane/config.yaml
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/osiriscare/controlplane/internal/config"
	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/evidence/ots"
	"github.com/osiriscare/controlplane/internal/notify"
	"github.com/osiriscare/controlplane/internal/orders"
	"github.com/osiriscare/controlplane/internal/promotion"
	"github.com/osiriscare/controlplane/internal/rollout"
	"github.com/osiriscare/controlplane/internal/signing"
	"github.com/osiriscare/controlplane/internal/telemetry"
)

var flagConfig = flag.String("config", "", "path to config file (optional; env CONTROLPLANE_* and defaults otherwise)")

// telemetryRetention is how long execution_telemetry rows live in the hot
// table before the archival job moves them to telemetry_archive.
const telemetryRetention = 90 * 24 * time.Hour

func main() {
	flag.Parse()

	log, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	cfg, err := config.Load(*flagConfig)
	if err != nil {
		log.Fatal("load config", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect to database", zap.Error(err))
	}
	defer database.Close()

	signer, err := signing.LoadOrCreate(cfg.SigningKeyPath)
	if err != nil {
		log.Fatal("load signing key", zap.Error(err))
	}

	notifier := notify.New(cfg.SlackWebhookURL, log)
	orderRegistry := orders.New(database, signer)
	telemetryIngest := telemetry.New(database)
	promotionCtl := promotion.New(database, orderRegistry)
	rolloutCtl := rollout.New(database, orderRegistry, notifier)
	otsWorker := ots.New(database, cfg.OTSCalendarURLs, cfg.OTSSubmitMinAge)

	c := cron.New()

	mustEvery := func(interval time.Duration, name string, job func(context.Context) error) {
		_, err := c.AddFunc(everySpec(interval), func() {
			if err := job(ctx); err != nil {
				log.Error("background job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			log.Fatal("schedule job", zap.String("job", name), zap.Error(err))
		}
	}

	mustEvery(cfg.OrderExpirySweepInterval, "order_expiry_sweep", func(ctx context.Context) error {
		n, err := orderRegistry.ExpireSweep(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("expired orders", zap.Int64("count", n))
		}
		return nil
	})

	mustEvery(cfg.RolloutAdvanceInterval, "rollout_advance", func(ctx context.Context) error {
		return rolloutCtl.Advance(ctx)
	})

	mustEvery(cfg.TelemetryArchivalInterval, "telemetry_archival", func(ctx context.Context) error {
		n, err := telemetryIngest.ArchiveOlderThan(ctx, telemetryRetention)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("telemetry records archived", zap.Int64("count", n))
		}
		return nil
	})

	mustEvery(cfg.PlatformPatternScanInterval, "platform_pattern_scan", func(ctx context.Context) error {
		n, err := promotionCtl.AutoPromotePlatform(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("platform patterns auto-promoted", zap.Int("count", n))
		}
		return nil
	})

	if cfg.OTSEnabled {
		mustEvery(cfg.OTSWorkerInterval, "ots_submit", func(ctx context.Context) error {
			n, err := otsWorker.SubmitPending(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("ots bundles submitted", zap.Int("count", n))
			}
			return nil
		})
		mustEvery(cfg.OTSWorkerInterval, "ots_upgrade", func(ctx context.Context) error {
			n, err := otsWorker.UpgradePending(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				log.Info("ots proofs upgraded", zap.Int("count", n))
			}
			return nil
		})
	}

	c.Start()

	metricsSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: promhttp.Handler()}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	log.Info("controlplane-worker running", zap.Strings("ots_calendars", cfg.OTSCalendarURLs))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	<-c.Stop().Done()
	log.Info("worker stopped")
}

// everySpec turns a Go duration config value into a robfig/cron "@every"
// spec string.
func everySpec(d time.Duration) string {
	return "@every " + d.String()
}
