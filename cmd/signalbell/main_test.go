package main

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbell/internal/audio"
	"signalbell/internal/instance"
	"signalbell/internal/storage"
)

type cli struct {
	t   *testing.T
	cfg string
	dir string
}

// newCLI writes a config with file storage and a private lock file; extra is
// appended verbatim.
func newCLI(t *testing.T, extra ...string) *cli {
	t.Helper()
	color.NoColor = true
	dir := t.TempDir()
	cfg := filepath.Join(dir, "signalbell.toml")
	body := "[logging]\nlevel = \"error\"\n\n[storage]\ndriver = \"file\"\npath = \"" +
		filepath.ToSlash(filepath.Join(dir, "bells")) + "\"\n\n[instance]\nlock_path = \"" +
		filepath.ToSlash(filepath.Join(dir, "signalbell.lock")) + "\"\n" + strings.Join(extra, "\n")
	require.NoError(t, os.WriteFile(cfg, []byte(body), 0o644))
	return &cli{t: t, cfg: cfg, dir: dir}
}

func (c *cli) lockPath() string { return filepath.Join(c.dir, "signalbell.lock") }

func (c *cli) run(args ...string) (string, error) {
	c.t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", c.cfg}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	out, err := c.run(args...)
	require.NoError(c.t, err, out)
	return out
}

func TestScheduleLifecycle(t *testing.T) {
	c := newCLI(t)
	wav := filepath.Join(c.dir, "bell.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF"), 0o644))

	out := c.mustRun("schedule", "add", "-n", "Morning bell", "-t", "07:30", "-d", "mon-fri", "-a", wav, "--duration", "15")
	assert.Contains(t, out, "Created schedule 1: Morning bell at 07:30")

	out = c.mustRun("schedule", "list")
	assert.Contains(t, out, "Morning bell")
	assert.Contains(t, out, "07:30")
	assert.Contains(t, out, "15s")
	assert.Contains(t, out, "enabled")

	out = c.mustRun("schedule", "update", "1", "-t", "08:05")
	assert.Contains(t, out, "at 08:05")

	out = c.mustRun("schedule", "show", "1")
	assert.Contains(t, out, "Time:     08:05")
	assert.Contains(t, out, "Cron:     5 8 * * 1,2,3,4,5")

	out = c.mustRun("schedule", "disable", "1")
	assert.Contains(t, out, "is now disabled")

	out = c.mustRun("schedule", "rm", "1")
	assert.Contains(t, out, "Removed schedule 1")

	_, err := c.run("schedule", "show", "1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out = c.mustRun("schedule", "list")
	assert.Contains(t, out, "No schedules.")
}

func TestScheduleAddChecksAudio(t *testing.T) {
	c := newCLI(t)

	_, err := c.run("schedule", "add", "-n", "x", "-t", "07:30", "-d", "daily", "-a", filepath.Join(c.dir, "missing.wav"))
	assert.ErrorIs(t, err, audio.ErrFileNotFound)

	txt := filepath.Join(c.dir, "notes.txt")
	require.NoError(t, os.WriteFile(txt, []byte("x"), 0o644))
	_, err = c.run("schedule", "add", "-n", "x", "-t", "07:30", "-d", "daily", "-a", txt)
	assert.ErrorIs(t, err, audio.ErrUnsupportedFormat)

	out := c.mustRun("schedule", "add", "-n", "x", "-t", "07:30", "-d", "daily", "-a", txt, "--force")
	assert.Contains(t, out, "Created schedule")
}

func TestScheduleAddRequiresFlags(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("schedule", "add", "-n", "x", "-t", "07:30")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "--days is required")

	_, err = c.run("schedule", "add", "-n", "x", "-t", "25:00", "-d", "daily", "-a", "a.wav", "--force")
	assert.Error(t, err)

	_, err = c.run("schedule", "show", "abc")
	assert.Error(t, err)
}

func TestHistoryAndVersion(t *testing.T) {
	c := newCLI(t)
	out := c.mustRun("history")
	assert.Contains(t, out, "No playbacks recorded.")

	out = c.mustRun("version")
	assert.True(t, strings.HasPrefix(out, "signalbell "))
}

func TestTestRefusesWhileDaemonHoldsLock(t *testing.T) {
	c := newCLI(t)
	c.mustRun("schedule", "add", "-n", "drill", "-t", "09:00", "-d", "daily", "-a", "drill.wav", "--force")

	lock, err := instance.Acquire(c.lockPath())
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	_, err = c.run("test", "1")
	require.ErrorIs(t, err, instance.ErrLocked)
	assert.ErrorIs(t, err, errNoControl)
}

func TestTestAndSilenceGoThroughDaemon(t *testing.T) {
	var (
		mu    sync.Mutex
		calls []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls = append(calls, r.Method+" "+r.URL.RequestURI()+" "+r.Header.Get("Authorization"))
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/trigger":
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"queued":true,"id":1}`))
		case "/stop":
			_, _ = w.Write([]byte(`{"dropped":2}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newCLI(t, "[debug]", "enabled = true", "addr = \""+srv.Listener.Addr().String()+"\"", "token = \"k\"")
	c.mustRun("schedule", "add", "-n", "drill", "-t", "09:00", "-d", "daily", "-a", "drill.wav", "--force")

	lock, err := instance.Acquire(c.lockPath())
	require.NoError(t, err)
	defer func() { _ = lock.Release() }()

	out := c.mustRun("test", "1")
	assert.Contains(t, out, `Queued "drill" on the running daemon`)

	_, err = c.run("test", "1", "--duration", "2s")
	assert.ErrorIs(t, err, instance.ErrLocked)

	out = c.mustRun("silence")
	assert.Contains(t, out, "dropped 2 queued")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"POST /trigger?id=1 Bearer k", "POST /stop Bearer k"}, calls)
}

func TestSilenceNeedsDebugServer(t *testing.T) {
	c := newCLI(t)
	_, err := c.run("silence")
	assert.ErrorIs(t, err, errNoControl)
}
