package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signalbell/internal/eventbus"
	"signalbell/internal/schedule"
	"signalbell/internal/scheduler"
	kit "signalbell/internal/transport"
	logx "signalbell/pkg/logx"
)

type fakeSender struct {
	mu      sync.Mutex
	texts   []string
	calls   int
	failFor int
	called  chan struct{}
	release chan struct{}
}

func (f *fakeSender) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	if f.called != nil {
		f.called <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failFor {
		return kit.MessageRef{}, errors.New("telegram: too many requests")
	}
	f.texts = append(f.texts, text)
	return kit.MessageRef{ChatID: to.ChatID, MessageID: f.calls}, nil
}

func (f *fakeSender) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

func testConfig() Config {
	return Config{
		Enabled:    true,
		Target:     kit.ChatTarget{ChatID: -100},
		RatePerSec: 100,
		RetryMax:   3,
		RetryBase:  time.Millisecond,
	}
}

func start(t *testing.T, cfg Config, sender kit.Sender, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func bell() *schedule.Schedule {
	return &schedule.Schedule{ID: 1, Name: "Recess", Hour: 10, Minute: 15}
}

func TestHandleEventFiltersKinds(t *testing.T) {
	f := &fakeSender{}
	s := start(t, testConfig(), f, nil)

	s.HandleEvent(scheduler.Event{Kind: scheduler.EventFired, Schedule: bell()})
	s.HandleEvent(scheduler.Event{Kind: scheduler.EventError, Schedule: bell(), Message: `playback of "Recess" failed: device busy`})

	require.Eventually(t, func() bool { return len(f.sent()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	sent := f.sent()
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0], "🚨 playback error:"))
	assert.Contains(t, sent[0], "device busy")
}

func TestHandleEventAllKinds(t *testing.T) {
	f := &fakeSender{}
	cfg := testConfig()
	cfg.Events = []string{"*"}
	s := start(t, cfg, f, nil)

	s.HandleEvent(scheduler.Event{Kind: scheduler.EventFired, Schedule: bell()})
	s.HandleEvent(scheduler.Event{Kind: scheduler.EventCompleted, Schedule: bell(), Took: 30 * time.Second})

	require.Eventually(t, func() bool { return len(f.sent()) == 2 }, time.Second, 5*time.Millisecond)
	sent := f.sent()
	assert.Equal(t, `🔔 "Recess" (10:15) fired`, sent[0])
	assert.Equal(t, `✅ "Recess" (10:15) finished in 30s`, sent[1])
}

func TestRetryThenSucceed(t *testing.T) {
	f := &fakeSender{failFor: 2}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "notifier.sent")
	defer unsub()
	s := start(t, testConfig(), f, bus)

	require.NoError(t, s.Notify(context.Background(), kit.Notification{Channel: "telegram", Text: "hello"}))

	select {
	case e := <-ch:
		assert.Equal(t, "notifier.sent", e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("notification never sent")
	}
	assert.Equal(t, []string{"hello"}, f.sent())
	require.Len(t, s.Snapshot(0), 1)
	assert.Len(t, s.Snapshot(5), 1)
}

func TestRetryGivesUp(t *testing.T) {
	f := &fakeSender{failFor: 100}
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(8, "notifier.failed")
	defer unsub()
	cfg := testConfig()
	cfg.RetryMax = 1
	s := start(t, cfg, f, bus)

	require.NoError(t, s.Notify(context.Background(), kit.Notification{Text: "lost"}))
	select {
	case e := <-ch:
		data := e.Data.(NotificationEvent)
		assert.Contains(t, data.Error, "too many requests")
	case <-time.After(2 * time.Second):
		t.Fatal("failure never reported")
	}
	f.mu.Lock()
	assert.Equal(t, 2, f.calls)
	f.mu.Unlock()
}

func TestDedupWindow(t *testing.T) {
	f := &fakeSender{}
	cfg := testConfig()
	cfg.DedupWindow = time.Minute
	s := start(t, cfg, f, nil)

	for i := 0; i < 3; i++ {
		s.HandleEvent(scheduler.Event{Kind: scheduler.EventError, Message: "tick failed: database is locked"})
	}
	s.HandleEvent(scheduler.Event{Kind: scheduler.EventError, Message: "tick failed: disk full"})

	require.Eventually(t, func() bool { return len(f.sent()) == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, f.sent(), 2)
}

func TestQueueFull(t *testing.T) {
	f := &fakeSender{called: make(chan struct{}, 4), release: make(chan struct{})}
	cfg := testConfig()
	cfg.QueueSize = 1
	s := start(t, cfg, f, nil)
	defer close(f.release)

	ctx := context.Background()
	require.NoError(t, s.Notify(ctx, kit.Notification{Text: "one"}))
	<-f.called
	require.NoError(t, s.Notify(ctx, kit.Notification{Text: "two"}))
	assert.ErrorIs(t, s.Notify(ctx, kit.Notification{Text: "three"}), ErrQueueFull)
}

func TestDisabledAndStopped(t *testing.T) {
	off := New(Config{}, &fakeSender{}, logx.Nop(), nil)
	off.Start(context.Background())
	assert.False(t, off.Enabled())
	assert.ErrorIs(t, off.Notify(context.Background(), kit.Notification{Text: "x"}), ErrDisabled)
	off.HandleEvent(scheduler.Event{Kind: scheduler.EventError, Message: "ignored"})

	idle := New(testConfig(), &fakeSender{}, logx.Nop(), nil)
	assert.True(t, idle.Enabled())
	assert.ErrorIs(t, idle.Notify(context.Background(), kit.Notification{Text: "x"}), ErrStopped)
}

func TestStopDrainsQueue(t *testing.T) {
	f := &fakeSender{}
	s := New(testConfig(), f, logx.Nop(), nil)
	s.Start(context.Background())
	for _, txt := range []string{"a", "b", "c"} {
		require.NoError(t, s.Notify(context.Background(), kit.Notification{Text: txt}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Equal(t, []string{"a", "b", "c"}, f.sent())
	assert.ErrorIs(t, s.Notify(context.Background(), kit.Notification{Text: "late"}), ErrStopped)

	// restartable
	s.Start(context.Background())
	require.NoError(t, s.Notify(context.Background(), kit.Notification{Text: "again"}))
	s.Stop(ctx)
	assert.Len(t, f.sent(), 4)
}

func TestRetryDelayBounded(t *testing.T) {
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		d := retryDelay(cfg, attempt)
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, time.Second)
	}
	d := retryDelay(cfg, 1)
	assert.GreaterOrEqual(t, d, 70*time.Millisecond)
	assert.LessOrEqual(t, d, 130*time.Millisecond)
}
