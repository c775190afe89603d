package servicecontrol

import (
	"context"
	"encoding/json"
	"fmt"
)

// PM2 controls services managed by the pm2 process manager.
type PM2 struct {
	bin    string
	runner Runner
}

// NewPM2 creates a pm2 controller. An empty bin uses "pm2" from PATH.
func NewPM2(bin string, runner Runner) *PM2 {
	if bin == "" {
		bin = "pm2"
	}
	return &PM2{bin: bin, runner: runner}
}

// Restart runs "pm2 restart <name>".
func (p *PM2) Restart(ctx context.Context, name string) error {
	_, err := p.runner.Run(ctx, p.bin, "restart", name)
	return err
}

type pm2Process struct {
	Name   string `json:"name"`
	PM2Env struct {
		Status string `json:"status"`
	} `json:"pm2_env"`
}

// Status parses "pm2 jlist". A process is online only if every instance
// with that name is online.
func (p *PM2) Status(ctx context.Context, name string) (Status, error) {
	out, err := p.runner.Run(ctx, p.bin, "jlist")
	if err != nil {
		return StatusUnknown, err
	}

	var procs []pm2Process
	if err := json.Unmarshal(out, &procs); err != nil {
		return StatusUnknown, fmt.Errorf("%w: parse pm2 jlist: %w", ErrCommandFailed, err)
	}

	found := false
	for _, proc := range procs {
		if proc.Name != name {
			continue
		}
		found = true
		if proc.PM2Env.Status != "online" {
			return StatusOffline, nil
		}
	}
	if !found {
		return StatusUnknown, fmt.Errorf("%w: %s", ErrUnknownService, name)
	}
	return StatusOnline, nil
}

// FlushCache runs "pm2 flush <name>", emptying the service's log buffers.
func (p *PM2) FlushCache(ctx context.Context, name string) error {
	_, err := p.runner.Run(ctx, p.bin, "flush", name)
	return err
}

// RequestGC runs "pm2 trigger <name> gc". The service must expose a "gc"
// action through the pm2 io module.
func (p *PM2) RequestGC(ctx context.Context, name string) error {
	_, err := p.runner.Run(ctx, p.bin, "trigger", name, "gc")
	return err
}
