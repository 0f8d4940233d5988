package app

import (
	"fmt"
	"strings"
	"time"

	"signalbell/internal/audio"
	"signalbell/internal/config"
	"signalbell/internal/notifier"
	"signalbell/internal/observability"
	"signalbell/internal/scheduler"
	"signalbell/internal/storage"
	kit "signalbell/internal/transport"
	logx "signalbell/pkg/logx"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

// MapStorageConfig converts the storage section; the CLI opens stores with it too.
func MapStorageConfig(cfg *config.Config) (storage.Config, error) {
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	switch driver {
	case "":
		driver = "sqlite"
	case "file", "sqlite", "sqlite3":
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, storage.DefaultBusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	if sc.HistoryLimit < 0 {
		return storage.Config{}, fmt.Errorf("storage.history_limit must be >= 0")
	}
	return storage.Config{
		Driver:       driver,
		Path:         strings.TrimSpace(sc.Path),
		BusyTimeout:  busy,
		HistoryLimit: sc.HistoryLimit,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	var (
		out scheduler.Config
		err error
	)
	if out.TickInterval, err = config.ParseDurationField("scheduler.tick_interval", sc.TickInterval); err != nil {
		return out, err
	}
	if out.QueueGap, err = config.ParseDurationField("scheduler.queue_gap", sc.QueueGap); err != nil {
		return out, err
	}
	if out.StopTimeout, err = config.ParseDurationField("scheduler.stop_timeout", sc.StopTimeout); err != nil {
		return out, err
	}
	if out.BoundaryGrace, err = config.ParseDurationField("scheduler.boundary_grace", sc.BoundaryGrace); err != nil {
		return out, err
	}
	if tz := strings.TrimSpace(sc.Timezone); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return out, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
		out.Location = loc
	}
	return out, nil
}

// MapAudioConfig overlays the audio section on the player defaults.
func MapAudioConfig(cfg *config.Config) audio.Config {
	out := audio.DefaultConfig()
	ac := cfg.Audio
	if c := strings.TrimSpace(ac.Command); c != "" {
		out.Command = c
		// A custom command never inherits ffplay's arguments.
		out.Args = nil
		out.DeviceEnv = ""
	}
	if len(ac.Args) > 0 {
		out.Args = append([]string(nil), ac.Args...)
	}
	if len(ac.DeviceArgs) > 0 {
		out.DeviceArgs = append([]string(nil), ac.DeviceArgs...)
	}
	if e := strings.TrimSpace(ac.DeviceEnv); e != "" {
		out.DeviceEnv = e
	}
	if len(ac.ListDevicesCommand) > 0 {
		out.ListDevicesCommand = append([]string(nil), ac.ListDevicesCommand...)
	}
	if len(ac.Extensions) > 0 {
		out.Extensions = append([]string(nil), ac.Extensions...)
	}
	return out
}

// mapNotifierConfig converts the notifier section (parsed durations).
// An omitted section means notifications are off.
func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Workers:       1,
		QueueSize:     256,
		RatePerSec:    1,
		RetryMax:      3,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		DedupWindow:   time.Minute,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	out.Enabled = n.Enabled
	out.Target = kit.ChatTarget{ChatID: n.Telegram.ChatID, ThreadID: n.Telegram.ThreadID}
	out.Events = append([]string(nil), n.Events...)
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}

	var err error
	out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}

	if out.Workers < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	}
	if out.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if out.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	return out, nil
}

// mapDebugConfig validates and converts the debug section. It never starts
// the server.
func mapDebugConfig(cfg *config.Config) (observability.DebugConfig, error) {
	dc := cfg.Debug
	out := observability.DebugConfig{
		Enabled:       dc.Enabled,
		Addr:          strings.TrimSpace(dc.Addr),
		Token:         strings.TrimSpace(dc.Token),
		AllowInsecure: dc.AllowInsecure,
		Metrics:       dc.Metrics,
		Pprof:         dc.Pprof,
	}
	if out.Addr == "" {
		out.Addr = observability.DefaultDebugAddr
	}

	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("debug.read_timeout", dc.ReadTimeout, 5*time.Second); err != nil {
		return out, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("debug.idle_timeout", dc.IdleTimeout, 120*time.Second); err != nil {
		return out, err
	}

	if dc.MutexProfileFraction < 0 {
		return out, fmt.Errorf("debug.mutex_profile_fraction must be >= 0")
	}
	if dc.BlockProfileRate < 0 {
		return out, fmt.Errorf("debug.block_profile_rate must be >= 0")
	}
	out.MutexProfileFraction = dc.MutexProfileFraction
	out.BlockProfileRate = dc.BlockProfileRate
	return out, nil
}
