// Package housekeeping frees disk space by pruning old files and running
// configured cleanup commands.
package housekeeping

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/breatheroute/recoveryd/internal/servicecontrol"
)

// Config holds configuration for a Cleaner.
type Config struct {
	// Dirs are walked recursively.
	Dirs []string

	// Patterns are matched against file base names.
	// Default: *.log, *.log.*, *.gz
	Patterns []string

	// MaxAge is the minimum modification age of a removed file.
	// Default: 72h
	MaxAge time.Duration

	// Commands are run after pruning, e.g. "pm2 flush" or "npm cache clean --force".
	Commands []string

	Runner servicecontrol.Runner
	Logger zerolog.Logger
	Now    func() time.Time
}

// Result summarises one cleanup run.
type Result struct {
	FilesRemoved int
	BytesFreed   int64
	CommandsRun  int
}

// String renders the result for action details.
func (r Result) String() string {
	return fmt.Sprintf("removed %d files (%d bytes), ran %d commands", r.FilesRemoved, r.BytesFreed, r.CommandsRun)
}

// Cleaner performs disk cleanup.
type Cleaner struct {
	cfg Config
	log zerolog.Logger
}

// New creates a Cleaner.
func New(cfg Config) *Cleaner {
	if len(cfg.Patterns) == 0 {
		cfg.Patterns = []string{"*.log", "*.log.*", "*.gz"}
	}
	if cfg.Runner == nil {
		cfg.Runner = servicecontrol.ExecRunner{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Cleaner{cfg: cfg, log: cfg.Logger.With().Str("component", "housekeeping").Logger()}
}

// Clean prunes every configured directory and runs every command. It keeps
// going after individual failures and returns them joined.
func (c *Cleaner) Clean(ctx context.Context) (Result, error) {
	var res Result
	var errs []error
	cutoff := c.cfg.Now().Add(-c.cfg.MaxAge)

	for _, dir := range c.cfg.Dirs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, freed, err := c.prune(ctx, dir, cutoff)
		res.FilesRemoved += n
		res.BytesFreed += freed
		if err != nil {
			errs = append(errs, fmt.Errorf("prune %s: %w", dir, err))
		}
	}

	for _, line := range c.cfg.Commands {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, err := servicecontrol.RunLine(ctx, c.cfg.Runner, line); err != nil {
			errs = append(errs, err)
			continue
		}
		res.CommandsRun++
	}

	c.log.Info().
		Int("files_removed", res.FilesRemoved).
		Int64("bytes_freed", res.BytesFreed).
		Int("commands_run", res.CommandsRun).
		Msg("disk cleanup finished")

	return res, errors.Join(errs...)
}

func (c *Cleaner) prune(ctx context.Context, root string, cutoff time.Time) (int, int64, error) {
	removed := 0
	var freed int64

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !c.matches(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.Mode().IsRegular() || info.ModTime().After(cutoff) {
			return nil
		}
		if err := os.Remove(path); err != nil {
			c.log.Warn().Err(err).Str("path", path).Msg("failed to remove file")
			return nil
		}
		removed++
		freed += info.Size()
		return nil
	})
	return removed, freed, err
}

func (c *Cleaner) matches(name string) bool {
	for _, p := range c.cfg.Patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
