package resilience

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"memberboard/internal/app"
	"memberboard/internal/community"
	"memberboard/internal/tiered"
	"memberboard/pkg/chaos"
)

func buildDrills(t *testing.T, sqlitePath string) *Drills {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	stack, err := app.Build(context.Background(), app.Options{
		SQLitePath:   sqlitePath,
		Breaker:      tiered.BreakerSettings{Failures: 1, Cooldown: 5 * time.Millisecond},
		Reconcile:    tiered.ReconcilerOptions{MaxTries: 2, InitialBackoff: time.Millisecond},
		InjectFaults: true,
		Logger:       logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = stack.Close() })

	svc := stack.Service(community.Options{SubmitRate: rate.Inf, SubmitBurst: 1, Logger: logger})
	drills, err := New(stack, svc, Options{
		Duration:      40 * time.Millisecond,
		SampleEvery:   10 * time.Millisecond,
		RecoverWithin: 5 * time.Second,
		Logger:        logger,
	})
	require.NoError(t, err)
	return drills
}

func TestNewRequiresFaultInjection(t *testing.T) {
	stack, err := app.Build(context.Background(), app.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	require.NoError(t, err)
	defer stack.Close()

	_, err = New(stack, stack.Service(community.Options{}), Options{})
	assert.ErrorIs(t, err, ErrNoFaults)
}

func TestOutageDrillsHold(t *testing.T) {
	for name, path := range map[string]string{
		"in process": "",
		"sqlite":     "board.db",
	} {
		t.Run(name, func(t *testing.T) {
			if path != "" {
				path = filepath.Join(t.TempDir(), path)
			}
			drills := buildDrills(t, path)
			engine := chaos.NewEngine(drills.logger)

			for _, exp := range drills.Experiments() {
				result, err := engine.Run(context.Background(), exp)
				require.NoError(t, err, exp.Name)
				assert.True(t, result.SteadyStateValid, exp.Name)
				assert.True(t, result.HypothesisHeld, "%s failed: %v", exp.Name, result.Failed)
				assert.NotEmpty(t, result.Violations, "%s: the outage shows up as pending entries", exp.Name)
			}

			assert.Positive(t, drills.Cleanup(context.Background()))
			read, err := drills.readAvailability(context.Background())
			require.NoError(t, err)
			assert.Equal(t, float64(100), read)
		})
	}
}
