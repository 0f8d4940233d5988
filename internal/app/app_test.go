package app

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbell/internal/audio"
	"signalbell/internal/config"
	"signalbell/internal/instance"
	"signalbell/internal/schedule"
	"signalbell/internal/storage"
	kit "signalbell/internal/transport"
	logx "signalbell/pkg/logx"
)

type instantPlayer struct {
	mu    sync.Mutex
	paths []string
}

func (p *instantPlayer) Play(_ context.Context, req audio.Request) <-chan error {
	p.mu.Lock()
	p.paths = append(p.paths, req.Path)
	p.mu.Unlock()
	return audio.Done(nil)
}

func (p *instantPlayer) Stop()           {}
func (p *instantPlayer) IsPlaying() bool { return false }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Logging:   config.LoggingConfig{Level: "error"},
		Scheduler: config.SchedulerConfig{TickInterval: "1s", QueueGap: "10ms"},
		Storage:   config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "bell")},
		Instance:  config.InstanceConfig{LockPath: filepath.Join(dir, "bell.lock")},
	}
}

func newTestApp(t *testing.T, cfg *config.Config) (*App, *instantPlayer) {
	t.Helper()
	p := &instantPlayer{}
	a, err := NewApp("", WithConfig(cfg), WithLogger(logx.Nop()), WithPlayer(p))
	require.NoError(t, err)
	return a, p
}

func stop(t *testing.T, a *App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx, StopAppStop))
}

// notToday builds a schedule that cannot come due during the test.
func notToday(name string) schedule.Schedule {
	tomorrow := time.Now().Add(24 * time.Hour).Weekday()
	return schedule.Schedule{
		Name:        name,
		AudioPath:   "/sounds/" + name + ".wav",
		Hour:        7,
		Minute:      30,
		DurationSec: 1,
		Weekdays:    schedule.Weekdays(tomorrow),
		Enabled:     true,
	}
}

func TestTriggerRecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	a, p := newTestApp(t, cfg)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))

	sch, err := a.Store().Create(ctx, notToday("morning"))
	require.NoError(t, err)
	require.NoError(t, a.Scheduler().TriggerNow(ctx, sch))

	var runs []storage.RunRecord
	require.Eventually(t, func() bool {
		runs, err = a.Store().RecentRuns(ctx, 10)
		return err == nil && len(runs) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, sch.ID, runs[0].ScheduleID)
	assert.Equal(t, storage.OutcomeCompleted, runs[0].Outcome)
	assert.True(t, runs[0].Manual)
	assert.NotEmpty(t, runs[0].RunID)

	p.mu.Lock()
	assert.Equal(t, []string{"/sounds/morning.wav"}, p.paths)
	p.mu.Unlock()

	stop(t, a)
	assert.False(t, a.Scheduler().Running())
	_, statErr := os.Stat(cfg.Instance.LockPath)
	assert.True(t, os.IsNotExist(statErr))
	assert.NoError(t, a.Stop(context.Background(), StopAppStop))
}

func TestSecondInstanceIsRefused(t *testing.T) {
	cfg := testConfig(t)
	a, _ := newTestApp(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	other := testConfig(t)
	other.Instance.LockPath = cfg.Instance.LockPath
	b, _ := newTestApp(t, other)
	err := b.Start(context.Background())
	assert.ErrorIs(t, err, instance.ErrLocked)
	require.NoError(t, b.Store().Close())
}

func TestSchedulerDisabledByConfig(t *testing.T) {
	cfg := testConfig(t)
	off := false
	cfg.Scheduler.Enabled = &off
	a, _ := newTestApp(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)
	assert.False(t, a.Scheduler().Running())

	next := *cfg
	next.Scheduler.Enabled = nil
	a.applyConfig(context.Background(), cfg, &next)
	assert.True(t, a.Scheduler().Running())

	a.applyConfig(context.Background(), &next, cfg)
	assert.False(t, a.Scheduler().Running())
}

func TestDebugServerServesStatus(t *testing.T) {
	cfg := testConfig(t)
	cfg.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0", Metrics: true}
	a, _ := newTestApp(t, cfg)
	require.NoError(t, a.Start(context.Background()))
	defer stop(t, a)

	require.Eventually(t, func() bool { return a.DebugAddr() != "" }, 2*time.Second, 5*time.Millisecond)
	base := "http://" + a.DebugAddr()

	resp, err := http.Get(base + "/status")
	require.NoError(t, err)
	var st struct {
		Scheduler struct {
			State string `json:"state"`
		} `json:"scheduler"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	assert.Equal(t, "running", st.Scheduler.State)

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "signalbell_scheduler_running 1")
	assert.Contains(t, string(body), "go_goroutines")
}

func TestDebugServerTriggersStoredSchedule(t *testing.T) {
	cfg := testConfig(t)
	cfg.Debug = config.DebugConfig{Enabled: true, Addr: "127.0.0.1:0", Token: "k"}
	a, p := newTestApp(t, cfg)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer stop(t, a)

	sch, err := a.Store().Create(ctx, notToday("drill"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return a.DebugAddr() != "" }, 2*time.Second, 5*time.Millisecond)
	base := "http://" + a.DebugAddr()

	post := func(path string) int {
		req, err := http.NewRequest(http.MethodPost, base+path, nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer k")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, post("/trigger?id=99"))
	assert.Equal(t, http.StatusAccepted, post(fmt.Sprintf("/trigger?id=%d", sch.ID)))

	require.Eventually(t, func() bool {
		runs, err := a.Store().RecentRuns(ctx, 10)
		return err == nil && len(runs) == 1 && runs[0].Manual
	}, 3*time.Second, 10*time.Millisecond)
	p.mu.Lock()
	assert.Equal(t, []string{"/sounds/drill.wav"}, p.paths)
	p.mu.Unlock()

	assert.Equal(t, http.StatusOK, post("/stop"))
	assert.True(t, a.Scheduler().Running())
}

type recordingSender struct {
	mu    sync.Mutex
	texts []string
}

func (s *recordingSender) SendText(_ context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.texts = append(s.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(s.texts)}, nil
}

func TestStatusListsRecentNotifications(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notifier = &config.NotifierConfig{
		Enabled:  true,
		Telegram: config.TelegramConfig{Token: "x", ChatID: 42},
		Events:   []string{"*"},
	}
	a, err := NewApp("", WithConfig(cfg), WithLogger(logx.Nop()), WithPlayer(&instantPlayer{}), WithSender(&recordingSender{}))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, a.Start(ctx))
	defer stop(t, a)

	sch, err := a.Store().Create(ctx, notToday("noon"))
	require.NoError(t, err)
	require.NoError(t, a.Trigger(ctx, sch.ID))

	require.Eventually(t, func() bool { return len(a.Status().Notifications) > 0 }, 3*time.Second, 10*time.Millisecond)
	assert.LessOrEqual(t, len(a.Status().Notifications), statusNotifications)
	assert.ErrorIs(t, a.Trigger(ctx, 999), storage.ErrNotFound)
}

func TestNewAppRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Scheduler.Timezone = "Mars/Olympus"
	_, err := NewApp("", WithConfig(cfg), WithLogger(logx.Nop()))
	assert.Error(t, err)
}
