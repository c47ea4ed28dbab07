package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/punchamoorthee/creditledger/internal/api"
	"github.com/punchamoorthee/creditledger/internal/app"
	"github.com/punchamoorthee/creditledger/internal/config"
	"github.com/punchamoorthee/creditledger/internal/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.New("info").WithError(err).Fatal("invalid configuration")
	}
	log := logger.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize Layers
	ledger, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("unable to open ledger store")
	}
	defer ledger.Close()

	if err := ledger.Migrate(ctx); err != nil {
		log.WithError(err).Fatal("migration failed")
	}

	handler := api.NewHandler(ledger.Ledger, ledger.Resolver, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.WithField("port", cfg.Port).WithField("backend", cfg.Backend).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("server failed")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// In-flight ledger commits are detached from request contexts and finish
	// within the transaction timeout.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout()+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("graceful shutdown failed")
	}
}
