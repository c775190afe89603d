package state

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// FlusherConfig configures a Flusher.
type FlusherConfig struct {
	Store     *Store
	Persister Persister
	Logger    zerolog.Logger

	// RetryInterval re-attempts a failed save when no new change arrives.
	// Default: 60s
	RetryInterval time.Duration

	// OnResult observes every save outcome.
	OnResult func(err error, d time.Duration)
}

// Flusher drains the store's coalesced dirty signal into the persister.
type Flusher struct {
	store     *Store
	persister Persister
	logger    zerolog.Logger
	retry     time.Duration
	onResult  func(error, time.Duration)

	// mu serialises saves from Serve and Flush.
	mu      sync.Mutex
	pending bool
}

// NewFlusher creates a Flusher.
func NewFlusher(cfg FlusherConfig) *Flusher {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 60 * time.Second
	}
	return &Flusher{
		store:     cfg.Store,
		persister: cfg.Persister,
		logger:    cfg.Logger.With().Str("component", "state-flusher").Logger(),
		retry:     cfg.RetryInterval,
		onResult:  cfg.OnResult,
	}
}

// Serve implements suture.Service.
func (f *Flusher) Serve(ctx context.Context) error {
	ticker := time.NewTicker(f.retry)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.store.Dirty():
			_ = f.Flush(ctx)
		case <-ticker.C:
			f.mu.Lock()
			retry := f.pending
			f.mu.Unlock()
			if retry {
				_ = f.Flush(ctx)
			}
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (f *Flusher) String() string { return "state-flusher" }

// Flush saves the current snapshot synchronously.
func (f *Flusher) Flush(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	start := time.Now()
	err := f.persister.Save(ctx, f.store.Snapshot())
	elapsed := time.Since(start)

	f.pending = err != nil
	f.store.RecordPersistResult(err)
	if f.onResult != nil {
		f.onResult(err, elapsed)
	}
	if err != nil {
		f.logger.Error().Err(err).Msg("failed to persist supervisor state")
		return err
	}
	f.logger.Debug().Dur("duration", elapsed).Msg("supervisor state persisted")
	return nil
}
