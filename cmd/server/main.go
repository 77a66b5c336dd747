package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/xtrntr/papertrade/internal/api"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/events"
	"github.com/xtrntr/papertrade/internal/exchange"
	"github.com/xtrntr/papertrade/internal/logging"
	"github.com/xtrntr/papertrade/internal/marketsync"
	"github.com/xtrntr/papertrade/internal/pricefeed"
	"github.com/xtrntr/papertrade/internal/stream"
	"github.com/xtrntr/papertrade/migrations"
)

// Main entry point: sets up database, exchange, and HTTP server
func main() {
	cfg, err := config.Load(".")
	if err != nil {
		logrus.Fatalf("Failed to load config: %v", err)
	}
	log := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := migrations.Up(ctx, cfg.DatabaseURL); err != nil {
		log.Fatalf("Failed to apply migrations: %v", err)
	}

	// Initialize database connection
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(context.Background())
	if err := database.Ping(ctx); err != nil {
		log.Fatalf("Database unreachable: %v", err)
	}

	prices := pricefeed.NewClient(cfg.PriceAPIURL, cfg.PriceTimeout)

	publisher := events.NewPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
	defer publisher.Close()
	if publisher.Enabled() {
		log.WithField("topic", cfg.KafkaTopic).Info("publishing trade events")
	}

	// Initialize the settlement engine
	ex := exchange.NewExchange(database, prices, exchange.Config{
		CommissionRate: cfg.CommissionRate,
		PriceTimeout:   cfg.PriceTimeout,
	}, exchange.WithPublisher(publisher))

	authService := auth.NewAuthService(database, cfg.JWTSecret, cfg.JWTTTL, cfg.InitialBalance)

	hub := stream.NewHub(database.ListAssets, log.WithField("component", "stream"))

	syncer := marketsync.NewSyncer(prices, database, hub, cfg.SyncAssets, log.WithField("component", "marketsync"))
	if cfg.SyncSchedule != "" {
		task, err := syncer.Start(cfg.SyncSchedule, cfg.PriceTimeout)
		if err != nil {
			log.Fatalf("Invalid SYNC_SCHEDULE %q: %v", cfg.SyncSchedule, err)
		}
		defer task.Cancel()
	}

	handler := api.NewHandler(database, ex, authService, syncer)
	router := api.NewRouter(handler, hub.ServeWS, cfg.CORSOrigins, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.WithFields(logrus.Fields{
			"port":            cfg.Port,
			"commission_rate": cfg.CommissionRate.String(),
		}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
