package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// CollectorConfig holds configuration for a Collector.
type CollectorConfig struct {
	Probes []Probe

	// ProbeTimeout bounds each probe.
	// Default: 5 seconds
	ProbeTimeout time.Duration

	// HistorySize is the number of samples retained.
	// Default: 120
	HistorySize int

	Logger zerolog.Logger
	Now    func() time.Time
}

// Collector runs every probe concurrently and keeps the latest results.
type Collector struct {
	probes  []Probe
	timeout time.Duration
	logger  zerolog.Logger
	now     func() time.Time

	mu          sync.RWMutex
	latest      []Sample
	latestAt    time.Time
	history     []Sample
	historySize int
}

// NewCollector creates a Collector.
func NewCollector(cfg CollectorConfig) *Collector {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 120
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Collector{
		probes:      cfg.Probes,
		timeout:     cfg.ProbeTimeout,
		logger:      cfg.Logger.With().Str("component", "collector").Logger(),
		now:         cfg.Now,
		historySize: cfg.HistorySize,
	}
}

// Sample runs all probes and returns one sample per probe, in probe order.
// A probe that errors or exceeds its timeout yields an unhealthy sample for
// its target; Sample itself never fails.
func (c *Collector) Sample(ctx context.Context) []Sample {
	out := make([]Sample, len(c.probes))

	var g errgroup.Group
	for i, p := range c.probes {
		g.Go(func() error {
			out[i] = c.check(ctx, p)
			return nil
		})
	}
	_ = g.Wait()

	c.mu.Lock()
	c.latest = out
	c.latestAt = c.now()
	c.history = append(c.history, out...)
	if over := len(c.history) - c.historySize; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
	}
	c.mu.Unlock()

	return out
}

func (c *Collector) check(ctx context.Context, p Probe) Sample {
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	type result struct {
		s   Sample
		err error
	}
	ch := make(chan result, 1)
	go func() {
		s, err := p.Check(pctx)
		ch <- result{s, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			c.logger.Warn().Err(r.err).
				Str("kind", string(p.Kind())).
				Str("target", p.Target()).
				Msg("probe failed")
			return c.failure(p, r.err.Error())
		}
		s := r.s
		if s.Timestamp.IsZero() {
			s.Timestamp = c.now()
		}
		return s
	case <-pctx.Done():
		c.logger.Warn().
			Str("kind", string(p.Kind())).
			Str("target", p.Target()).
			Dur("timeout", c.timeout).
			Msg("probe timed out")
		return c.failure(p, fmt.Sprintf("probe timed out after %s", c.timeout))
	}
}

func (c *Collector) failure(p Probe, detail string) Sample {
	return Sample{
		Kind:      p.Kind(),
		Target:    p.Target(),
		Healthy:   false,
		Timestamp: c.now(),
		Detail:    detail,
	}
}

// Latest returns the samples of the most recent run and when it finished.
func (c *Collector) Latest() ([]Sample, time.Time) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Sample{}, c.latest...), c.latestAt
}

// History returns the retained samples, oldest first.
func (c *Collector) History() []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Sample{}, c.history...)
}
