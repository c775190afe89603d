package servicecontrol_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/servicecontrol"
)

type scriptedRunner struct {
	calls   []string
	outputs map[string]string
	errs    map[string]error
}

func (r *scriptedRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, line)
	return []byte(r.outputs[line]), r.errs[line]
}

const jlist = `[
 {"name":"api","pm2_env":{"status":"online"}},
 {"name":"worker","pm2_env":{"status":"online"}},
 {"name":"worker","pm2_env":{"status":"errored"}},
 {"name":"cron","pm2_env":{"status":"stopped"}}
]`

func TestPM2_Status(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{"pm2 jlist": jlist}}
	ctl := servicecontrol.NewPM2("", runner)

	tests := []struct {
		name    string
		want    servicecontrol.Status
		wantErr error
	}{
		{name: "api", want: servicecontrol.StatusOnline},
		{name: "worker", want: servicecontrol.StatusOffline},
		{name: "cron", want: servicecontrol.StatusOffline},
		{name: "ghost", want: servicecontrol.StatusUnknown, wantErr: servicecontrol.ErrUnknownService},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ctl.Status(context.Background(), tt.name)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPM2_StatusBadOutput(t *testing.T) {
	runner := &scriptedRunner{outputs: map[string]string{"pm2 jlist": "not json"}}
	got, err := servicecontrol.NewPM2("", runner).Status(context.Background(), "api")
	assert.ErrorIs(t, err, servicecontrol.ErrCommandFailed)
	assert.Equal(t, servicecontrol.StatusUnknown, got)
}

func TestPM2_Commands(t *testing.T) {
	runner := &scriptedRunner{}
	ctl := servicecontrol.NewPM2("/usr/local/bin/pm2", runner)
	ctx := context.Background()

	require.NoError(t, ctl.Restart(ctx, "api"))
	require.NoError(t, ctl.FlushCache(ctx, "api"))
	require.NoError(t, ctl.RequestGC(ctx, "api"))

	assert.Equal(t, []string{
		"/usr/local/bin/pm2 restart api",
		"/usr/local/bin/pm2 flush api",
		"/usr/local/bin/pm2 trigger api gc",
	}, runner.calls)
}

func TestSystemd_Status(t *testing.T) {
	exitErr := errors.New("exit status 3")
	runner := &scriptedRunner{
		outputs: map[string]string{
			"systemctl is-active api":    "active\n",
			"systemctl is-active worker": "inactive\n",
			"systemctl is-active broken": "",
		},
		errs: map[string]error{
			"systemctl is-active worker": exitErr,
			"systemctl is-active broken": exitErr,
		},
	}
	ctl := servicecontrol.NewSystemd("", runner)
	ctx := context.Background()

	s, err := ctl.Status(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, servicecontrol.StatusOnline, s)

	s, err = ctl.Status(ctx, "worker")
	require.NoError(t, err)
	assert.Equal(t, servicecontrol.StatusOffline, s)

	s, err = ctl.Status(ctx, "broken")
	assert.ErrorIs(t, err, exitErr)
	assert.Equal(t, servicecontrol.StatusUnknown, s)
}

func TestNew(t *testing.T) {
	for _, kind := range []string{servicecontrol.KindPM2, servicecontrol.KindSystemd, servicecontrol.KindNoop} {
		ctl, err := servicecontrol.New(kind, "", nil)
		require.NoError(t, err, kind)
		assert.NotNil(t, ctl)
	}

	_, err := servicecontrol.New("launchd", "", nil)
	assert.ErrorIs(t, err, servicecontrol.ErrUnsupported)
}

func TestExecRunner(t *testing.T) {
	ctx := context.Background()

	out, err := servicecontrol.RunLine(ctx, servicecontrol.ExecRunner{}, "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	_, err = servicecontrol.ExecRunner{}.Run(ctx, "false")
	assert.ErrorIs(t, err, servicecontrol.ErrCommandFailed)

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = servicecontrol.ExecRunner{}.Run(ctx, "sleep", "5")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = servicecontrol.RunLine(context.Background(), servicecontrol.ExecRunner{}, "   ")
	assert.ErrorIs(t, err, servicecontrol.ErrCommandFailed)
}
