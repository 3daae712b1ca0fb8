// The worker runs exactly one workflow job, given by its single positional
// argument, and exits with 0 on completion/skip/control-signal and 1 on
// fatal errors.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"linkedin-outreach-engine/bus"
	"linkedin-outreach-engine/config"
	"linkedin-outreach-engine/invite"
	"linkedin-outreach-engine/leadstate"
	"linkedin-outreach-engine/logger"
	"linkedin-outreach-engine/ratelimit"
	"linkedin-outreach-engine/session"
	"linkedin-outreach-engine/store"
	"linkedin-outreach-engine/workflow"
)

func main() {
	os.Exit(run())
}

func run() int {
	if len(os.Args) < 2 || os.Args[1] == "" {
		fmt.Fprintln(os.Stderr, "usage: worker <job-id>")
		return 1
	}
	jobID := os.Args[1]

	// Optional .env for local development; deployments set real env vars.
	_ = godotenv.Load()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Printf("config: %v", err)
		return 1
	}

	zl, err := logger.New(cfg.Logging.Level)
	if err != nil {
		log.Printf("logger: %v", err)
		return 1
	}
	defer zl.Sync()
	logr := zl.Sugar().With("job", jobID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logr.Warnw("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	db, err := store.Open(ctx, cfg.Database.URL, cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns)
	if err != nil {
		logr.Errorw("open database failed", "error", err)
		return 1
	}
	defer db.Close()

	// A malformed Redis URL is a config error; an unreachable Redis is not,
	// since the runner degrades to DB polling on its own.
	b, err := bus.New(cfg.Redis.URL)
	if err != nil {
		logr.Errorw("bus init failed", "error", err)
		return 1
	}
	defer b.Close()

	leads := store.NewLeadStore(db)
	accounts := store.NewAccountStore(db)
	jobs := store.NewJobStore(db)

	if !cfg.InsideWorkingHours(time.Now()) {
		logr.Errorw("outside configured working hours, refusing to run",
			"startHour", cfg.WorkingHours.StartHour, "endHour", cfg.WorkingHours.EndHour)
		if err := jobs.Fail(ctx, jobID, "outside configured working hours", time.Now().UTC()); err != nil {
			logr.Errorw("mark job failed", "error", err)
		}
		return 1
	}

	state := leadstate.New(leads, b, logr)
	limits := ratelimit.New(accounts, ratelimit.Defaults{
		Invites:          cfg.Limits.DailyInvites,
		ConnectionChecks: cfg.Limits.DailyConnectionChecks,
		Messages:         cfg.Limits.DailyMessages,
	}, logr)
	sessions := session.New(cfg.Browser, logr)
	inviter := invite.New(state, cfg.Browser, cfg.Timing, logr)

	runner := workflow.New(jobs, accounts, state, limits, sessions, inviter, b, logr)
	return runner.Run(ctx, jobID)
}
