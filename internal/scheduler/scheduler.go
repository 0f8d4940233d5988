package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"signalbell/internal/audio"
	rtsup "signalbell/internal/runtime/supervisor"
	"signalbell/internal/schedule"
	logx "signalbell/pkg/logx"
)

var ErrNotRunning = errors.New("scheduler is not running")

const (
	DefaultTickInterval  = time.Second
	DefaultQueueGap      = 500 * time.Millisecond
	DefaultStopTimeout   = 5 * time.Second
	DefaultBoundaryGrace = 2 * time.Second
)

// Config controls engine timing. Zero values take the defaults above.
type Config struct {
	TickInterval time.Duration
	// QueueGap separates the end of one queued playback from the start of the next.
	QueueGap time.Duration
	// StopTimeout bounds how long Stop waits for the driver and runner to quiesce
	// before cancelling them.
	StopTimeout time.Duration
	// BoundaryGrace is how long playback may take to wind down after the engine
	// force-stops it at the duration boundary.
	BoundaryGrace time.Duration
	Location      *time.Location
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = DefaultTickInterval
	}
	if c.QueueGap < 0 {
		c.QueueGap = 0
	} else if c.QueueGap == 0 {
		c.QueueGap = DefaultQueueGap
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = DefaultStopTimeout
	}
	if c.BoundaryGrace <= 0 {
		c.BoundaryGrace = DefaultBoundaryGrace
	}
	if c.Location == nil {
		c.Location = time.Local
	}
	return c
}

// Source provides the snapshot of enabled schedules read on every tick.
type Source interface {
	ListEnabled(ctx context.Context) ([]schedule.Schedule, error)
}

type State int32

const (
	StateStopped State = iota
	StateRunning
)

func (s State) String() string {
	if s == StateRunning {
		return "running"
	}
	return "stopped"
}

type Option func(*Scheduler)

// WithClock replaces the wall clock; tests drive evaluation with it.
func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithListener registers l before the scheduler starts.
func WithListener(l Listener) Option {
	return func(s *Scheduler) { s.listeners.add(l) }
}

type Scheduler struct {
	cfg    Config
	log    logx.Logger
	src    Source
	player audio.Player
	clock  Clock

	listeners *fanout
	cache     *fireCache

	mu     sync.Mutex
	state  State
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	// Queue state. epoch is bumped whenever the queue is flushed so a runner
	// started before the flush can tell it is stale.
	qmu          sync.Mutex
	queue        []queued
	runnerActive bool
	announced    bool
	accepting    bool
	epoch        atomic.Uint64

	lastTick   atomic.Int64 // unix nano
	fired      atomic.Uint64
	completed  atomic.Uint64
	failed     atomic.Uint64
	tickErrors atomic.Uint64
}

type queued struct {
	sch    schedule.Schedule
	manual bool
}

func New(cfg Config, src Source, player audio.Player, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		cfg:       cfg.withDefaults(),
		log:       log,
		src:       src,
		player:    player,
		clock:     systemClock{},
		listeners: &fanout{log: log.With(logx.String("comp", "scheduler.listeners"))},
		cache:     newFireCache(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// AddListener registers l and returns a func that removes it.
func (s *Scheduler) AddListener(l Listener) (remove func()) {
	return s.listeners.add(l)
}

func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateRunning
}

// Start moves Stopped to Running and begins ticking. Calling it while running
// does nothing and emits nothing.
func (s *Scheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state == StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.sup = rtsup.NewSupervisor(ctx,
		rtsup.WithLogger(s.log),
		// a failing tick or playback must never take the engine down
		rtsup.WithCancelOnError(false),
	)
	s.stopCh = make(chan struct{})
	sup, stopCh := s.sup, s.stopCh
	s.openQueue()
	sup.Go("tick", func(c context.Context) error { return s.drive(c, sup, stopCh) })
	s.mu.Unlock()

	s.log.Info("scheduler started",
		logx.Duration("tick", s.cfg.TickInterval),
		logx.Duration("queue_gap", s.cfg.QueueGap),
		logx.String("tz", s.cfg.Location.String()),
	)
	s.listeners.emit(Event{Kind: EventStarted, At: s.clock.Now()})
}

// Stop halts the tick driver, stops the player, drops queued playbacks and
// the fire-once cache, then waits up to StopTimeout for in-flight work before
// cancelling it. Calling it while stopped does nothing.
func (s *Scheduler) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	sup, stopCh := s.sup, s.stopCh
	s.sup, s.stopCh = nil, nil
	s.mu.Unlock()

	close(stopCh)
	s.player.Stop()
	dropped := s.flushQueue(true)

	wctx, cancel := context.WithTimeout(ctx, s.cfg.StopTimeout)
	err := sup.Wait(wctx)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("scheduler did not quiesce in time; cancelling", logx.Duration("timeout", s.cfg.StopTimeout))
		sup.Cancel()
		fctx, fcancel := context.WithTimeout(context.Background(), s.cfg.BoundaryGrace)
		if err := sup.Wait(fctx); err != nil && errors.Is(err, context.DeadlineExceeded) {
			s.log.Error("scheduler goroutines still running after cancel", logx.Int64("active", sup.Counters().Active))
		}
		fcancel()
	}
	sup.Cancel()
	// The driver may claim keys until it has exited.
	s.cache.reset()

	s.log.Info("scheduler stopped", logx.Int("dropped", dropped))
	s.listeners.emit(Event{Kind: EventStopped, At: s.clock.Now(), QueueLen: dropped})
}

// TriggerNow plays sch at once, ignoring its time, weekdays, enabled flag and
// the fire-once cache. It shares the playback path and events of a regular
// firing, so it waits in the queue if another playback is in progress.
func (s *Scheduler) TriggerNow(ctx context.Context, sch schedule.Schedule) error {
	if ctx != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	if err := sch.Validate(); err != nil {
		return err
	}
	if !s.Running() {
		return ErrNotRunning
	}
	s.log.Info("manual trigger", logx.Int64("id", sch.ID), logx.String("name", sch.Name))
	s.dispatch([]queued{{sch: sch, manual: true}})
	return nil
}

// StopPlayback interrupts the current playback and drops anything queued.
// The scheduler keeps running.
func (s *Scheduler) StopPlayback() int {
	dropped := s.flushQueue(false)
	s.player.Stop()
	s.log.Info("playback stopped", logx.Int("dropped", dropped))
	return dropped
}

func (s *Scheduler) drive(ctx context.Context, sup *rtsup.Supervisor, stopCh <-chan struct{}) error {
	t := time.NewTicker(s.cfg.TickInterval)
	defer t.Stop()

	s.tick(ctx)
	for {
		select {
		case <-stopCh:
			return nil
		case <-ctx.Done():
			s.abort(sup, ctx.Err())
			return ctx.Err()
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// abort moves the engine to Stopped when the context it was started with
// ends under it. A Stop already in progress owns the shutdown instead.
func (s *Scheduler) abort(sup *rtsup.Supervisor, cause error) {
	s.mu.Lock()
	if s.state != StateRunning || s.sup != sup {
		s.mu.Unlock()
		return
	}
	s.state = StateStopped
	s.sup, s.stopCh = nil, nil
	s.mu.Unlock()

	s.player.Stop()
	dropped := s.flushQueue(true)
	s.cache.reset()

	s.log.Error("scheduler context ended; engine stopped", logx.Err(cause), logx.Int("dropped", dropped))
	s.listeners.emit(Event{Kind: EventStopped, At: s.clock.Now(), QueueLen: dropped, Message: "context ended", Err: cause})
}

// tick runs one evaluation. Failures are reported and never end the driver.
func (s *Scheduler) tick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.tickFailed(fmt.Errorf("tick panic: %v", r))
		}
	}()

	smp := sampleAt(s.clock.Now(), s.cfg.Location)
	s.lastTick.Store(smp.at.UnixNano())
	if s.cache.roll(smp.hour, smp.minute) {
		s.log.Trace("minute rolled over; fire cache cleared", logx.Int("hour", smp.hour), logx.Int("minute", smp.minute))
	}

	list, err := s.src.ListEnabled(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.tickFailed(err)
		return
	}

	due := s.evaluate(smp, list)
	if len(due) == 0 {
		return
	}
	items := make([]queued, 0, len(due))
	for _, sch := range due {
		items = append(items, queued{sch: sch})
	}
	s.dispatch(items)
}

// evaluate returns the schedules due at smp that have not fired this minute,
// in snapshot order, claiming their cache keys.
func (s *Scheduler) evaluate(smp sample, list []schedule.Schedule) []schedule.Schedule {
	var due []schedule.Schedule
	for _, sch := range list {
		if !sch.Enabled || !sch.DueAt(smp.day, smp.hour, smp.minute) {
			continue
		}
		if !s.cache.claim(sch.Key()) {
			continue
		}
		due = append(due, sch)
	}
	return due
}

func (s *Scheduler) tickFailed(err error) {
	s.tickErrors.Add(1)
	s.log.Warn("tick failed", logx.Err(err))
	s.listeners.emit(Event{Kind: EventError, At: s.clock.Now(), Message: "tick failed: " + err.Error(), Err: err})
}
