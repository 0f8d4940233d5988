package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"signalbell/internal/audio"
	"signalbell/internal/config"
	"signalbell/internal/eventbus"
	"signalbell/internal/instance"
	"signalbell/internal/notifier"
	"signalbell/internal/observability"
	rtsup "signalbell/internal/runtime/supervisor"
	"signalbell/internal/scheduler"
	"signalbell/internal/storage"
	kit "signalbell/internal/transport"
	telegram "signalbell/internal/transport/telegram/adapter"
	logx "signalbell/pkg/logx"
)

const (
	metricsNamespace    = "signalbell"
	statusNotifications = 10
)

type options struct {
	cfg    *config.Config
	log    *logx.Logger
	player audio.Player
	sender kit.Sender
}

type Option func(*options)

// WithConfig uses cfg instead of reading the config file. The file is still
// watched when a path is given.
func WithConfig(cfg *config.Config) Option { return func(o *options) { o.cfg = cfg } }

// WithLogger bypasses the logging service; logging config is then ignored.
func WithLogger(log logx.Logger) Option { return func(o *options) { o.log = &log } }

func WithPlayer(p audio.Player) Option { return func(o *options) { o.player = p } }

// WithSender replaces the Telegram transport of the notifier.
func WithSender(s kit.Sender) Option { return func(o *options) { o.sender = s } }

// Status is the operational snapshot served at /status.
type Status struct {
	Scheduler      scheduler.Status `json:"scheduler"`
	Notifier       bool             `json:"notifier_enabled"`
	BusDropped     uint64           `json:"bus_dropped"`
	HistoryDropped uint64           `json:"history_dropped"`
	Supervisor     rtsup.Counters   `json:"supervisor"`
	Uptime         string           `json:"uptime"`

	// Notifications lists the last few messages the notifier delivered.
	Notifications []notifier.HistoryItem `json:"notifications,omitempty"`
}

type App struct {
	cfgPath string
	cfgm    *config.ConfigManager

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	lock    *instance.Lock
	started time.Time
	stopped bool

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	exec     *audio.ExecPlayer
	sched    *scheduler.Scheduler
	schedCfg scheduler.Config
	notif    *notifier.Service
	token    string
	history  *historyRecorder
	registry *prometheus.Registry
	metrics  *observability.Metrics
	debug    *observability.DebugServer
}

// NewApp loads the config and wires every component. Nothing runs until Start.
// An empty cfgPath runs on defaults without a config watcher.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}

	cfgm := config.NewConfigManager(cfgPath)
	cfg := o.cfg
	switch {
	case cfg != nil:
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid config: %w", err)
		}
		cfgm.Commit(cfg)
	case strings.TrimSpace(cfgPath) == "":
		cfg = config.Default()
		cfgm.Commit(cfg)
	default:
		var err error
		if cfg, err = cfgm.Load(); err != nil {
			return nil, err
		}
	}

	var (
		logSvc *logx.Service
		log    logx.Logger
	)
	if o.log != nil {
		log = *o.log
	} else {
		logSvc, log = logx.New(mapLogConfig(cfg))
	}

	sc, err := MapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	schedCfg, err := mapSchedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	dcfg, err := mapDebugConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(sc, log)
	if err != nil {
		return nil, err
	}

	a := &App{
		cfgPath:  cfgPath,
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logs:     logSvc,
		bus:      eventbus.New(),
		store:    store,
		schedCfg: schedCfg,
	}

	player := o.player
	if player == nil {
		a.exec = audio.NewExecPlayer(MapAudioConfig(cfg), log.With(logx.String("comp", "audio")))
		player = a.exec
	}
	a.sched = scheduler.New(schedCfg, store, player, log.With(logx.String("comp", "scheduler")))

	sender := o.sender
	if sender == nil && ncfg.Enabled {
		ad, err := newTelegram(cfg, log)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		sender = ad
		a.token = cfg.Notifier.Telegram.Token
	}
	a.notif = notifier.New(ncfg, sender, log.With(logx.String("comp", "notifier")), a.bus)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = observability.NewMetrics(metricsNamespace, a.registry)
	a.metrics.ObserveStatus(metricsNamespace, a.sched.Status)
	a.debug = observability.NewDebugServer(dcfg, log.With(logx.String("comp", "debug")),
		func() any { return a.Status() }, a.registry)
	a.debug.SetControl(a)

	a.history = newHistoryRecorder(store, log.With(logx.String("comp", "history")), 64)

	a.sched.AddListener(a.notif)
	a.sched.AddListener(a.metrics)
	a.sched.AddListener(a.history)
	a.sched.AddListener(scheduler.NewBusListener(a.bus))

	return a, nil
}

func newTelegram(cfg *config.Config, log logx.Logger) (*telegram.Adapter, error) {
	if cfg.Notifier == nil {
		return nil, errors.New("notifier section missing")
	}
	return telegram.New(telegram.Config{Token: cfg.Notifier.Telegram.Token},
		log.With(logx.String("comp", "telegram")))
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Store() storage.Store            { return a.store }
func (a *App) Bus() eventbus.Bus               { return a.bus }
func (a *App) Config() *config.Config          { return a.cfgm.Get() }

// Trigger plays the stored schedule id now, through the running scheduler.
func (a *App) Trigger(ctx context.Context, id int64) error {
	s, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	return a.sched.TriggerNow(ctx, s)
}

// StopPlayback silences the current playback and drops the queue.
func (a *App) StopPlayback() int { return a.sched.StopPlayback() }

// DebugAddr is the bound address of the debug server, or "" when it is off.
func (a *App) DebugAddr() string { return a.debug.Addr() }

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	a.mu.Lock()
	sup := a.sup
	a.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Err()
}

func (a *App) Status() Status {
	a.mu.Lock()
	sup, started := a.sup, a.started
	a.mu.Unlock()

	st := Status{
		Scheduler:      a.sched.Status(),
		Notifier:       a.notif.Enabled(),
		Notifications:  a.notif.Snapshot(statusNotifications),
		BusDropped:     a.bus.Dropped(),
		HistoryDropped: a.history.dropped.Load(),
		Supervisor:     sup.Counters(),
	}
	if !started.IsZero() {
		st.Uptime = time.Since(started).Round(time.Second).String()
	}
	return st
}

// Start takes the instance lock and launches every component.
func (a *App) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := a.cfgm.Get()

	lock, err := instance.Acquire(cfg.Instance.LockPath)
	if err != nil {
		return err
	}

	sup := rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.mu.Lock()
	a.sup, a.lock, a.started = sup, lock, time.Now()
	a.mu.Unlock()

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		_, e1 := mapSchedulerConfig(c)
		_, e2 := mapNotifierConfig(c)
		_, e3 := mapDebugConfig(c)
		_, e4 := MapStorageConfig(c)
		return errors.Join(e1, e2, e3, e4)
	})

	sup.Go("history", a.history.run)

	if a.notif.Enabled() {
		a.notif.Start(sup.Context())
	}
	if dcfg, err := mapDebugConfig(cfg); err == nil {
		a.debug.Reconfigure(sup.Context(), dcfg)
	}

	events, unsub := a.bus.Subscribe(128)
	sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	if cfg.Scheduler.AutoStart() {
		a.sched.Start(sup.Context())
	} else {
		a.log.Info("scheduler disabled via config; not starting")
	}

	if strings.TrimSpace(a.cfgPath) != "" {
		sub := a.cfgm.Subscribe(8)
		sup.Go0("config.reload", func(c context.Context) {
			defer a.cfgm.Unsubscribe(sub)
			a.reloadLoop(c, sub)
		})
		sup.Go("config.watch", a.cfgm.Watch)
	}

	sup.Go("systemd.watchdog", func(c context.Context) error {
		return watchdogLoop(c, a.log, a.sched.Status, a.stallThreshold())
	})
	sdNotify(a.log, daemon.SdNotifyReady)

	a.log.Info("app started", logx.String("lock", lock.Path()))
	return nil
}

// stallThreshold is how old the last tick may be before the watchdog stops
// vouching for the scheduler.
func (a *App) stallThreshold() time.Duration {
	tick := a.schedCfg.TickInterval
	if tick <= 0 {
		tick = scheduler.DefaultTickInterval
	}
	return max(10*tick, 30*time.Second)
}

func (a *App) reloadLoop(c context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-c.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
		drain:
			for {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					break drain
				}
			}
			a.applyConfig(c, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// applyConfig pushes a committed config into the running components.
// Storage, instance and scheduler timing changes need a restart.
func (a *App) applyConfig(c context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	changed := func(name string) bool {
		for _, s := range sections {
			if s == name {
				return true
			}
		}
		return false
	}

	if a.logs != nil && changed("logging") {
		a.logs.Apply(mapLogConfig(next))
	}
	if changed("storage") || changed("instance") {
		a.log.Warn("storage/instance config changed; restart required for changes to take effect")
	}

	if changed("scheduler") {
		if sc, err := mapSchedulerConfig(next); err != nil {
			a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		} else if !sameTiming(sc, a.schedCfg) {
			a.log.Warn("scheduler timing changed; restart required for changes to take effect")
		}
		switch was, now := prev.Scheduler.AutoStart(), next.Scheduler.AutoStart(); {
		case was && !now:
			a.log.Info("scheduler disabled via config")
			a.sched.Stop(c)
		case !was && now:
			a.log.Info("scheduler enabled via config")
			a.sched.Start(c)
		}
	}

	if a.exec != nil && changed("audio") {
		a.exec.Apply(MapAudioConfig(next))
	}

	if changed("notifier") {
		a.applyNotifier(c, next)
	}

	if changed("debug") {
		if dcfg, err := mapDebugConfig(next); err != nil {
			a.log.Warn("invalid debug config; keeping previous", logx.Err(err))
		} else {
			a.debug.Reconfigure(c, dcfg)
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config applied", fields...)
}

func (a *App) applyNotifier(c context.Context, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	if ncfg.Enabled && next.Notifier.Telegram.Token != a.token {
		ad, err := newTelegram(next, a.log)
		if err != nil {
			a.log.Warn("telegram client rebuild failed; keeping previous", logx.Err(err))
		} else {
			a.notif.SetSender(ad)
			a.token = next.Notifier.Telegram.Token
		}
	}

	prevEnabled := a.notif.Enabled()
	a.notif.Apply(ncfg)
	switch now := a.notif.Enabled(); {
	case prevEnabled && !now:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(c, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevEnabled && now:
		a.log.Info("notifier enabled via config")
		a.notif.Start(c)
	}
}

func sameTiming(a, b scheduler.Config) bool {
	return a.TickInterval == b.TickInterval &&
		a.QueueGap == b.QueueGap &&
		a.StopTimeout == b.StopTimeout &&
		a.BoundaryGrace == b.BoundaryGrace &&
		a.Location.String() == b.Location.String()
}

// Stop shuts components down in dependency order: scheduler first so no new
// events are produced, then the sinks, then storage and the instance lock.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a.mu.Lock()
	sup, lock := a.sup, a.lock
	if sup == nil || a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()

	a.log.Info("stopping", logx.String("reason", string(reason)))
	sdNotify(a.log, daemon.SdNotifyStopping)

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		// respect the caller's deadline; never extend it
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			took := time.Since(start)
			if took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				if err := <-done; err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				}
			}()
		}
	}

	step("scheduler", a.schedulerStopBudget(), func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("debug", time.Second, func(c context.Context) error { a.debug.Stop(c); return nil })

	// Supervised loops (history, config watch/reload, watchdog) unwind last so
	// the history recorder can drain what the scheduler produced.
	sup.Cancel()
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := sup.Wait(c)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("instance", time.Second, func(context.Context) error { return lock.Release() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

func (a *App) schedulerStopBudget() time.Duration {
	stop, grace := a.schedCfg.StopTimeout, a.schedCfg.BoundaryGrace
	if stop <= 0 {
		stop = scheduler.DefaultStopTimeout
	}
	if grace <= 0 {
		grace = scheduler.DefaultBoundaryGrace
	}
	return stop + grace + time.Second
}
