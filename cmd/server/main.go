// The server hosts the workflow control plane: job start/pause/cancel,
// status streaming, and on-demand connection checks.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/conncheck"
	"linkedin-outreach-engine/control"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/logger"
	"linkedin-outreach-engine/message"
	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/session"
	"linkedin-outreach-engine/store"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	zl, err := logger.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer zl.Sync()
	logr := zl.Sugar()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logr.Fatalw("open database failed", "error", err)
	}
	defer db.Close()

	b, err := bus.New(cfg.Redis.URL)
	if err != nil {
		logr.Fatalw("bus init failed", "error", err)
	}
	defer b.Close()
	if err := b.Ping(ctx); err != nil {
		logr.Warnw("redis unreachable at startup, streams degraded until it returns", "error", err)
	}

	leads := store.NewLeadStore(db)
	accounts := store.NewAccountStore(db)
	campaigns := store.NewCampaignStore(db)
	jobs := store.NewJobStore(db)
	messages := store.NewMessageStore(db)

	state := leadstate.New(leads, b, logr)
	limits := ratelimit.New(accounts, ratelimit.Defaults{
		Invites:          cfg.Limits.DailyInvites,
		ConnectionChecks: cfg.Limits.DailyConnectionChecks,
		Messages:         cfg.Limits.DailyMessages,
	}, logr)
	sessions := session.New(cfg.Browser, logr)
	sender := message.NewSender(cfg.Browser, cfg.Timing, logr)
	checker := conncheck.New(sessions, sender, state, limits, leads, messages, cfg.Browser, logr)

	srv := control.NewServer(cfg, jobs, accounts, campaigns, state, limits, checker, b, logr)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		sig := <-sigCh
		logr.Infow("shutting down", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logr.Warnw("http shutdown failed", "error", err)
		}
		cancel()
	}()

	logr.Infow("control plane listening", "port", cfg.Server.Port, "workerBin", cfg.Server.WorkerBin)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logr.Fatalw("http server failed", "error", err)
	}
}
