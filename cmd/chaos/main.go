// cmd/chaos/main.go
package main

import (
	"context"
	"encoding/json"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"memberboard/internal/app"
	"memberboard/internal/community"
	"memberboard/internal/resilience"
	"memberboard/internal/tiered"
	"memberboard/pkg/chaos"
)

func main() {
	var (
		databaseURL = flag.String("database-url", os.Getenv("DATABASE_URL"), "postgres primary; empty uses an in-process stand-in")
		sqlitePath  = flag.String("sqlite", "", "sqlite fallback and journal file; empty keeps the journal in memory")
		duration    = flag.Duration("duration", 10*time.Second, "fault window per experiment")
		sample      = flag.Duration("sample", time.Second, "observation interval")
		pause       = flag.Duration("pause", 2*time.Second, "pause between experiments")
		asJSON      = flag.Bool("json", false, "print results as JSON")
	)
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stack, err := app.Build(ctx, app.Options{
		DatabaseURL:  *databaseURL,
		SQLitePath:   *sqlitePath,
		Breaker:      tiered.BreakerSettings{Failures: 1, Cooldown: time.Second},
		InjectFaults: true,
		Logger:       logger,
	})
	if err != nil {
		logger.Error("failed to build stack", "error", err)
		os.Exit(1)
	}
	defer stack.Close()

	svc := stack.Service(community.Options{SubmitRate: rate.Inf, SubmitBurst: 1, Logger: logger})
	drills, err := resilience.New(stack, svc, resilience.Options{
		Duration:    *duration,
		SampleEvery: *sample,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("failed to prepare drills", "error", err)
		os.Exit(1)
	}

	engine := chaos.NewEngine(logger)
	for _, exp := range drills.Experiments() {
		engine.Register(exp)
	}

	results, runErr := engine.RunGameDay(ctx, chaos.GameDay{
		Name:      "storage outage drills",
		Scenarios: engine.Experiments(),
		Pause:     *pause,
	})
	logger.Info("probe members removed", "count", drills.Cleanup(context.Background()))

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			logger.Error("failed to encode results", "error", err)
		}
	}

	held := runErr == nil
	for _, r := range results {
		held = held && r.HypothesisHeld
	}
	if !held {
		if runErr != nil {
			logger.Error("game day incomplete", "error", runErr)
		}
		stack.Close()
		os.Exit(1)
	}
}
