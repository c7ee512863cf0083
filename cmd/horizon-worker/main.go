package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/groupcal/server/internal/app/events"
	"github.com/groupcal/server/internal/app/horizon"
	"github.com/groupcal/server/internal/app/notify"
	"github.com/groupcal/server/internal/platform/dbpool"
	"github.com/groupcal/server/internal/platform/env"
	"github.com/groupcal/server/internal/platform/natsutil"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pgURL := env.String("DATABASE_URL", env.DefaultDatabaseURL)
	horizonSchedule := env.String("HORIZON_SCHEDULE", "@hourly")
	reminderSchedule := env.String("REMINDER_SCHEDULE", "@every 1m")
	groupBatch := env.Int("HORIZON_GROUP_BATCH", 500)
	reminderBatch := env.Int("REMINDER_BATCH", 1000)

	pool, err := dbpool.New(runCtx, pgURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	eventsRepo := events.NewRepository(pool)
	if err := waitForPostgres(runCtx, pool, eventsRepo, 30*time.Second); err != nil {
		log.Fatal(err)
	}
	notifyRepo := notify.NewRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(env.String("NATS_URL", env.DefaultNATSURL), 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	publisher := natsutil.CalendarPublisher{JS: client.JS}
	extender := horizon.NewService(eventsRepo, publisher.Publish)
	dispatcher := notify.NewDispatcher(notifyRepo, publisher.Publish)

	runHorizon := func() {
		runOnceCtx, cancel := context.WithTimeout(runCtx, 10*time.Minute)
		defer cancel()
		stats, err := extender.Run(runOnceCtx, groupBatch)
		if err != nil {
			log.Printf("horizon run failed: %v", err)
			return
		}
		log.Printf("horizon run: scanned=%d extended=%d retired=%d skipped=%d failed=%d",
			stats.Scanned, stats.Extended, stats.Retired, stats.Skipped, stats.Failed)
	}
	runReminders := func() {
		runOnceCtx, cancel := context.WithTimeout(runCtx, time.Minute)
		defer cancel()
		dispatched, err := dispatcher.Run(runOnceCtx, reminderBatch)
		if err != nil {
			log.Printf("reminder dispatch failed: %v", err)
			return
		}
		if dispatched > 0 {
			log.Printf("dispatched %d reminders", dispatched)
		}
	}

	// Catch up immediately on start; a worker that was down for a while may
	// have groups already inside the extension threshold.
	runHorizon()

	c := cron.New()
	if _, err := c.AddFunc(horizonSchedule, runHorizon); err != nil {
		log.Fatal(err)
	}
	if _, err := c.AddFunc(reminderSchedule, runReminders); err != nil {
		log.Fatal(err)
	}
	c.Start()
	log.Printf("Horizon worker running (horizon %q, reminders %q)", horizonSchedule, reminderSchedule)

	<-runCtx.Done()
	<-c.Stop().Done()
}

func waitForPostgres(ctx context.Context, pool *pgxpool.Pool, repo *events.Repository, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = pool.Ping(attemptCtx)
		if lastErr == nil {
			lastErr = repo.EnsureSchema(attemptCtx)
		}
		cancel()

		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for postgres readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}
