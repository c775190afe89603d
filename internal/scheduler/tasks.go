package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/breatheroute/recoveryd/internal/health"
	"github.com/breatheroute/recoveryd/internal/state"
)

// NewHealthTask runs the health cycle every interval, starting immediately.
func NewHealthTask(interval time.Duration, cycle *Cycle, logger zerolog.Logger) (*Task, error) {
	return NewTask(TaskConfig{
		Name:       "health-cycle",
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) {
			cycle.Run(ctx)
		},
		Logger: logger,
	})
}

// SampleObserver publishes samples.
type SampleObserver interface {
	ObserveSamples(samples []health.Sample)
}

// NewMetricsTask refreshes resource readings between health cycles. It never
// triggers recovery.
func NewMetricsTask(interval time.Duration, collector *health.Collector, observer SampleObserver, logger zerolog.Logger) (*Task, error) {
	return NewTask(TaskConfig{
		Name:       "metrics-refresh",
		Interval:   interval,
		RunOnStart: true,
		Run: func(ctx context.Context) {
			samples := collector.Sample(ctx)
			if observer != nil {
				observer.ObserveSamples(samples)
			}
		},
		Logger: logger,
	})
}

// NewBudgetResetTask clears the restart counters of services that are not
// degraded.
func NewBudgetResetTask(interval time.Duration, store *state.Store, logger zerolog.Logger) (*Task, error) {
	log := logger.With().Str("component", "budget-reset").Logger()
	return NewTask(TaskConfig{
		Name:     "budget-reset",
		Interval: interval,
		Run: func(context.Context) {
			cleared := store.ResetBudgets()
			if len(cleared) == 0 {
				return
			}
			log.Info().Strs("services", cleared).Msg("restart budgets reset")
			store.MarkDirty()
		},
		Logger: logger,
	})
}
