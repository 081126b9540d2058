// controlplane-api serves the fleet's inbound HTTP surface: appliance
// checkin, evidence submit, telemetry submit, and order result.
//
// Uses the same flag/env wiring and graceful-shutdown shape a checkin
// receiver binary uses, generalized from one endpoint to the full checkin
// contract and using zap for structured logging throughout.
//
// Usage:
//
//	controlplane-api --config /etc/controlplane/config.yaml
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
	"go.uber.org/zap"

	"github.com/osiriscare/controlplane/internal/cache"
	"github.com/osiriscare/controlplane/internal/checkin"
	"github.com/osiriscare/controlplane/internal/config"
	"github.com/osiriscare/controlplane/internal/db"
	"github.com/osiriscare/controlplane/internal/evidence"
	"github.com/osiriscare/controlplane/internal/httpapi"
	"github.com/osiriscare/controlplane/internal/orders"
	"github.com/osiriscare/controlplane/internal/signing"
	"github.com/osiriscare/controlplane/internal/telemetry"
)

var flagConfig = flag.String("config", "", "path to config file (optional; env CONTROLPLANE_* and defaults otherwise)")

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

	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		log.Fatal("apply migrations", zap.Error(err))
	}
	database, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal("connect to database", zap.Error(err))
	}
	defer database.Close()
	log.Info("connected to postgres")

	signer, err := signing.LoadOrCreate(cfg.SigningKeyPath)
	if err != nil {
		log.Fatal("load signing key", zap.Error(err))
	}
	verifier := signing.NewVerifier()

	scoreCache := cache.New(cfg.RedisAddr, 5*time.Minute)
	defer scoreCache.Close()

	orderRegistry := orders.New(database, signer)
	dispatcher := checkin.New(database, orderRegistry, signer)
	checkinHandler := checkin.NewHandler(dispatcher, log)
	evidenceSvc := evidence.New(database, verifier)
	telemetryIngest := telemetry.New(database)

	server := httpapi.NewServer(checkinHandler, evidenceSvc, telemetryIngest, orderRegistry, scoreCache, log)
	router := server.Router(promhttp.Handler())

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", zap.Error(err))
		}
	}()

	log.Info("controlplane-api listening", zap.String("addr", cfg.HTTPAddr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server stopped")
}
