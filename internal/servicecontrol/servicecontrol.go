// Package servicecontrol restarts and inspects supervised services through
// the host's process manager.
package servicecontrol

import (
	"context"
	"errors"
	"fmt"
)

// Status is the liveness of a service as reported by the process manager.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusUnknown Status = "unknown"
)

// Controller restarts services and reports their status.
type Controller interface {
	Restart(ctx context.Context, name string) error
	Status(ctx context.Context, name string) (Status, error)
}

// CacheFlusher is implemented by controllers that can flush a service's
// caches or buffers without restarting it.
type CacheFlusher interface {
	FlushCache(ctx context.Context, name string) error
}

// GCRequester is implemented by controllers that can ask a service to run a
// garbage collection.
type GCRequester interface {
	RequestGC(ctx context.Context, name string) error
}

var (
	// ErrCommandFailed wraps failures of the underlying process manager.
	ErrCommandFailed = errors.New("service control command failed")

	// ErrUnknownService is returned when the process manager does not know a service.
	ErrUnknownService = errors.New("unknown service")

	// ErrUnsupported is returned for an unknown controller kind.
	ErrUnsupported = errors.New("unsupported controller")
)

// Controller kinds.
const (
	KindPM2     = "pm2"
	KindSystemd = "systemd"
	KindNoop    = "noop"
)

// New returns the controller of the given kind. An empty binary uses the
// kind's default executable.
func New(kind, binary string, runner Runner) (Controller, error) {
	if runner == nil {
		runner = ExecRunner{}
	}
	switch kind {
	case KindPM2:
		return NewPM2(binary, runner), nil
	case KindSystemd:
		return NewSystemd(binary, runner), nil
	case KindNoop:
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, kind)
	}
}

// Noop accepts every request and reports every service online.
type Noop struct{}

// Restart does nothing.
func (Noop) Restart(context.Context, string) error { return nil }

// Status reports online.
func (Noop) Status(context.Context, string) (Status, error) { return StatusOnline, nil }
