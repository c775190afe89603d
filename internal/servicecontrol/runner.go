package servicecontrol

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes an external command and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands with os/exec. The command is killed when ctx ends.
type ExecRunner struct{}

// Run implements Runner.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return out.Bytes(), fmt.Errorf("%w: %s %s: %w", ErrCommandFailed, name, strings.Join(args, " "), ctx.Err())
		}
		return out.Bytes(), fmt.Errorf("%w: %s %s: %w: %s", ErrCommandFailed, name, strings.Join(args, " "), err, trimOutput(out.Bytes()))
	}
	return out.Bytes(), nil
}

// RunLine splits a command line on whitespace and runs it.
func RunLine(ctx context.Context, r Runner, line string) ([]byte, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrCommandFailed)
	}
	return r.Run(ctx, fields[0], fields[1:]...)
}

func trimOutput(b []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(b))
	if len(s) > limit {
		return s[:limit] + "..."
	}
	return s
}
