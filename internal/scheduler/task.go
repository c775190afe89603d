// Package scheduler runs the supervisor's periodic work as supervised services.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// TaskConfig configures a periodic Task.
type TaskConfig struct {
	Name     string
	Interval time.Duration

	// RunOnStart runs the task once before the first tick.
	RunOnStart bool

	Run    func(ctx context.Context)
	Logger zerolog.Logger
}

// Task runs a function at a fixed interval until its context ends. It
// implements suture.Service. A panic in Run is left to the supervisor tree,
// which restarts the task.
type Task struct {
	cfg TaskConfig
	log zerolog.Logger
}

// NewTask creates a Task.
func NewTask(cfg TaskConfig) (*Task, error) {
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("task %s: interval must be positive", cfg.Name)
	}
	if cfg.Run == nil {
		return nil, fmt.Errorf("task %s: no run function", cfg.Name)
	}
	return &Task{
		cfg: cfg,
		log: cfg.Logger.With().Str("task", cfg.Name).Logger(),
	}, nil
}

// Serve implements suture.Service.
func (t *Task) Serve(ctx context.Context) error {
	t.log.Debug().Dur("interval", t.cfg.Interval).Msg("task started")

	if t.cfg.RunOnStart {
		t.cfg.Run(ctx)
	}

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			t.log.Debug().Msg("task stopped")
			return ctx.Err()
		case <-ticker.C:
			t.cfg.Run(ctx)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (t *Task) String() string {
	return t.cfg.Name
}
