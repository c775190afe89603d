package servicecontrol

import (
	"context"
	"strings"
)

// Systemd controls services through systemctl.
type Systemd struct {
	bin    string
	runner Runner
}

// NewSystemd creates a systemd controller. An empty bin uses "systemctl".
func NewSystemd(bin string, runner Runner) *Systemd {
	if bin == "" {
		bin = "systemctl"
	}
	return &Systemd{bin: bin, runner: runner}
}

// Restart runs "systemctl restart <unit>".
func (s *Systemd) Restart(ctx context.Context, name string) error {
	_, err := s.runner.Run(ctx, s.bin, "restart", name)
	return err
}

// Status runs "systemctl is-active <unit>". The command exits non-zero for
// inactive units, so the printed state is inspected before the error.
func (s *Systemd) Status(ctx context.Context, name string) (Status, error) {
	out, err := s.runner.Run(ctx, s.bin, "is-active", name)
	switch strings.TrimSpace(string(out)) {
	case "active", "reloading":
		return StatusOnline, nil
	case "inactive", "failed", "deactivating", "activating":
		return StatusOffline, nil
	}
	if err != nil {
		return StatusUnknown, err
	}
	return StatusUnknown, nil
}
