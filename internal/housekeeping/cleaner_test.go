package housekeeping_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/breatheroute/recoveryd/internal/housekeeping"
)

type recordingRunner struct {
	calls []string
	fail  map[string]bool
}

func (r *recordingRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))
	r.calls = append(r.calls, line)
	if r.fail[line] {
		return nil, errors.New("exit status 1")
	}
	return nil, nil
}

func touch(t *testing.T, path string, size int, age time.Duration) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
	mtime := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestClean_PrunesOldMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	touch(t, filepath.Join(dir, "app.log"), 100, 96*time.Hour)
	touch(t, filepath.Join(dir, "nested", "app.log.1"), 50, 96*time.Hour)
	touch(t, filepath.Join(dir, "fresh.log"), 10, time.Hour)
	touch(t, filepath.Join(dir, "data.db"), 10, 96*time.Hour)

	runner := &recordingRunner{}
	c := housekeeping.New(housekeeping.Config{
		Dirs:     []string{dir, filepath.Join(dir, "missing")},
		MaxAge:   72 * time.Hour,
		Commands: []string{"pm2 flush", "npm cache clean --force"},
		Runner:   runner,
		Logger:   zerolog.Nop(),
	})

	res, err := c.Clean(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, res.FilesRemoved)
	assert.Equal(t, int64(150), res.BytesFreed)
	assert.Equal(t, 2, res.CommandsRun)
	assert.NoFileExists(t, filepath.Join(dir, "app.log"))
	assert.NoFileExists(t, filepath.Join(dir, "nested", "app.log.1"))
	assert.FileExists(t, filepath.Join(dir, "fresh.log"))
	assert.FileExists(t, filepath.Join(dir, "data.db"))
	assert.Equal(t, []string{"pm2 flush", "npm cache clean --force"}, runner.calls)
	assert.Contains(t, res.String(), "removed 2 files")
}

func TestClean_CommandFailureIsReportedButNotFatal(t *testing.T) {
	runner := &recordingRunner{fail: map[string]bool{"pm2 flush": true}}
	c := housekeeping.New(housekeeping.Config{
		Commands: []string{"pm2 flush", "npm cache clean --force"},
		Runner:   runner,
		Logger:   zerolog.Nop(),
	})

	res, err := c.Clean(context.Background())
	require.Error(t, err)
	assert.Equal(t, 1, res.CommandsRun)
	assert.Len(t, runner.calls, 2)
}

func TestClean_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := housekeeping.New(housekeeping.Config{Dirs: []string{t.TempDir()}, Logger: zerolog.Nop()})
	_, err := c.Clean(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
