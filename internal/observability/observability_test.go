package observability

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbell/internal/schedule"
	"signalbell/internal/scheduler"
	"signalbell/internal/storage"
	logx "signalbell/pkg/logx"
)

func TestMetricsHandleEvent(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("signalbell", reg)
	sch := &schedule.Schedule{ID: 1, Name: "morning"}

	m.HandleEvent(scheduler.Event{Kind: scheduler.EventStarted})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.running))

	m.HandleEvent(scheduler.Event{Kind: scheduler.EventQueueStarted, QueueLen: 3})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.queueRuns))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.queueDepth))

	m.HandleEvent(scheduler.Event{Kind: scheduler.EventCompleted, Schedule: sch, Took: 2 * time.Second})
	m.HandleEvent(scheduler.Event{Kind: scheduler.EventCompleted, Schedule: sch, Manual: true, Took: time.Second})
	m.HandleEvent(scheduler.Event{Kind: scheduler.EventError, Schedule: sch, Took: time.Second})
	// tick failures carry no schedule and are not playbacks
	m.HandleEvent(scheduler.Event{Kind: scheduler.EventError, Message: "tick failed"})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.playbacks.WithLabelValues("completed", "scheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.playbacks.WithLabelValues("completed", "manual")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.playbacks.WithLabelValues("failed", "scheduled")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.events.WithLabelValues(string(scheduler.EventError))))
	assert.Equal(t, 2, testutil.CollectAndCount(m.playbackDuration))

	m.HandleEvent(scheduler.Event{Kind: scheduler.EventStopped})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.running))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.queueDepth))
}

func TestMetricsObserveStatus(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("signalbell", reg)
	at := time.Date(2026, 10, 20, 7, 30, 0, 0, time.UTC)
	m.ObserveStatus("signalbell", func() scheduler.Status {
		return scheduler.Status{LastTick: at, TickErrors: 4, CacheSize: 2}
	})

	want := `
# HELP signalbell_tick_errors Failed evaluation ticks since start
# TYPE signalbell_tick_errors gauge
signalbell_tick_errors 4
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(want), "signalbell_tick_errors"))

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "signalbell_last_tick_timestamp_seconds" {
			found = true
			assert.Equal(t, float64(at.Unix()), f.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

func startDebug(t *testing.T, cfg DebugConfig, gatherer prometheus.Gatherer) *DebugServer {
	t.Helper()
	return startDebugWith(t, cfg, gatherer, nil)
}

func startDebugWith(t *testing.T, cfg DebugConfig, gatherer prometheus.Gatherer, ctl Control) *DebugServer {
	t.Helper()
	cfg.Enabled = true
	cfg.Addr = "127.0.0.1:0"
	s := NewDebugServer(cfg, logx.Nop(), func() any {
		return scheduler.Status{State: scheduler.StateRunning, QueueLen: 2}
	}, gatherer)
	if ctl != nil {
		s.SetControl(ctl)
	}
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)
	return s
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestDebugServerAuth(t *testing.T) {
	s := startDebug(t, DebugConfig{Token: "s3cret"}, nil)
	base := "http://" + s.Addr()

	code, _ := get(t, base+"/healthz", "")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, _ = get(t, base+"/healthz", "wrong")
	assert.Equal(t, http.StatusUnauthorized, code)
	code, body := get(t, base+"/healthz", "s3cret")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", body)
	code, _ = get(t, base+"/healthz?token=s3cret", "")
	assert.Equal(t, http.StatusOK, code)
}

func TestDebugServerStatusAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("signalbell", reg)
	m.HandleEvent(scheduler.Event{Kind: scheduler.EventStarted})

	s := startDebug(t, DebugConfig{Metrics: true}, reg)
	base := "http://" + s.Addr()

	code, body := get(t, base+"/status", "")
	require.Equal(t, http.StatusOK, code)
	var st map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &st))
	assert.Equal(t, "running", st["state"])
	assert.Equal(t, float64(2), st["queue_len"])

	code, body = get(t, base+"/metrics", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "signalbell_scheduler_running 1")

	code, _ = get(t, base+"/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDebugServerStopReleasesPort(t *testing.T) {
	s := NewDebugServer(DebugConfig{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, "", s.Addr())

	s.Reconfigure(ctx, DebugConfig{Enabled: false})
	assert.Equal(t, "", s.Addr())
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:6060": true,
		"[::1]:6060":     true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.5:6060":  false,
		"nonsense":       false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}

type fakeControl struct {
	mu        sync.Mutex
	triggered []int64
	running   bool
}

func (c *fakeControl) setRunning(v bool) {
	c.mu.Lock()
	c.running = v
	c.mu.Unlock()
}

func (c *fakeControl) ids() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.triggered...)
}

func (c *fakeControl) Trigger(_ context.Context, id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return scheduler.ErrNotRunning
	}
	if id != 1 {
		return fmt.Errorf("get schedule %d: %w", id, storage.ErrNotFound)
	}
	c.triggered = append(c.triggered, id)
	return nil
}

func (c *fakeControl) StopPlayback() int { return 3 }

func post(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, url, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body)
}

func TestDebugServerControlRoutes(t *testing.T) {
	ctl := &fakeControl{running: true}
	s := startDebugWith(t, DebugConfig{Token: "k"}, nil, ctl)
	base := "http://" + s.Addr()

	code, _ := post(t, base+"/trigger?id=1", "")
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = get(t, base+"/trigger?id=1", "k")
	assert.Equal(t, http.StatusMethodNotAllowed, code)

	code, _ = post(t, base+"/trigger?id=abc", "k")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = post(t, base+"/trigger?id=7", "k")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := post(t, base+"/trigger?id=1", "k")
	assert.Equal(t, http.StatusAccepted, code)
	assert.Contains(t, body, `"queued":true`)
	assert.Equal(t, []int64{1}, ctl.ids())

	code, body = post(t, base+"/stop", "k")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, `"dropped":3`)

	ctl.setRunning(false)
	code, _ = post(t, base+"/trigger?id=1", "k")
	assert.Equal(t, http.StatusConflict, code)
}

func TestDebugServerWithoutControlHasNoControlRoutes(t *testing.T) {
	s := startDebug(t, DebugConfig{}, nil)
	code, _ := post(t, "http://"+s.Addr()+"/stop", "")
	assert.Equal(t, http.StatusNotFound, code)
}
