package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Storage   StorageConfig   `json:"storage"`
	Audio     AudioConfig     `json:"audio,omitempty"`

	// Notifier may be omitted; notifications are then off.
	Notifier *NotifierConfig `json:"notifier,omitempty"`
	Debug    DebugConfig     `json:"debug,omitempty"`
	Instance InstanceConfig  `json:"instance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the tick driver and the execution queue.
//
// All durations are Go duration strings (e.g. "500ms", "1s").
// Timing changes take effect the next time the scheduler starts.
//
// Enabled is a pointer so we can distinguish "omitted" (start on run) from an
// explicit false.
type SchedulerConfig struct {
	Enabled       *bool  `json:"enabled,omitempty"`
	TickInterval  string `json:"tick_interval,omitempty"`
	QueueGap      string `json:"queue_gap,omitempty"`
	StopTimeout   string `json:"stop_timeout,omitempty"`
	BoundaryGrace string `json:"boundary_grace,omitempty"`

	// Timezone is an IANA name; empty means the host's local time.
	Timezone string `json:"timezone,omitempty"`
}

func (s SchedulerConfig) AutoStart() bool { return s.Enabled == nil || *s.Enabled }

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./signalbell.db" }
type StorageConfig struct {
	Driver       string `json:"driver"`
	Path         string `json:"path"`
	BusyTimeout  string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	HistoryLimit int    `json:"history_limit,omitempty"`
}

// AudioConfig describes the external player command. {path} and {device}
// are expanded in Args and DeviceArgs.
type AudioConfig struct {
	Command            string   `json:"command,omitempty"`
	Args               []string `json:"args,omitempty"`
	DeviceArgs         []string `json:"device_args,omitempty"`
	DeviceEnv          string   `json:"device_env,omitempty"`
	ListDevicesCommand []string `json:"list_devices_command,omitempty"`
	Extensions         []string `json:"extensions,omitempty"`
}

// NotifierConfig controls the async notification pipeline.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type NotifierConfig struct {
	Enabled       bool           `json:"enabled"`
	Telegram      TelegramConfig `json:"telegram"`
	Workers       int            `json:"workers,omitempty"`
	QueueSize     int            `json:"queue_size,omitempty"`
	RatePerSec    int            `json:"rate_per_sec,omitempty"`
	RetryMax      int            `json:"retry_max,omitempty"`
	RetryBase     string         `json:"retry_base,omitempty"`
	RetryMaxDelay string         `json:"retry_max_delay,omitempty"`

	// Events lists the scheduler event kinds to forward. Empty means errors only.
	Events []string `json:"events,omitempty"`
}

type TelegramConfig struct {
	Token    string `json:"token"` // never logged
	ChatID   int64  `json:"chat_id"`
	ThreadID int    `json:"thread_id,omitempty"`
}

// DebugConfig controls the optional debug HTTP server (health, status,
// Prometheus metrics and pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`  // default: "127.0.0.1:6060"
	Token         string `json:"token,omitempty"` // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Metrics       bool   `json:"metrics,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`

	ReadTimeout string `json:"read_timeout,omitempty"`
	IdleTimeout string `json:"idle_timeout,omitempty"`

	// Runtime profiling rates. Leave 0 to keep Go defaults.
	MutexProfileFraction int `json:"mutex_profile_fraction,omitempty"`
	BlockProfileRate     int `json:"block_profile_rate,omitempty"`
}

type InstanceConfig struct {
	LockPath string `json:"lock_path,omitempty"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Console: true},
		Storage: StorageConfig{Driver: "sqlite", Path: "./signalbell.db"},
	}
}

// Validate checks values that cannot be caught by strict decoding.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error

	for _, f := range []struct{ path, raw string }{
		{"scheduler.tick_interval", c.Scheduler.TickInterval},
		{"scheduler.queue_gap", c.Scheduler.QueueGap},
		{"scheduler.stop_timeout", c.Scheduler.StopTimeout},
		{"scheduler.boundary_grace", c.Scheduler.BoundaryGrace},
		{"storage.busy_timeout", c.Storage.BusyTimeout},
		{"debug.read_timeout", c.Debug.ReadTimeout},
		{"debug.idle_timeout", c.Debug.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			errs = append(errs, err)
		}
	}
	if d, _ := ParseDurationField("", c.Scheduler.TickInterval); d > 0 && d > 30*time.Second {
		errs = append(errs, fmt.Errorf("scheduler.tick_interval: %s is too coarse to catch every minute", d))
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			errs = append(errs, fmt.Errorf("scheduler.timezone: %w", err))
		}
	}

	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
	}

	if n := c.Notifier; n != nil {
		if _, err := ParseDurationField("notifier.retry_base", n.RetryBase); err != nil {
			errs = append(errs, err)
		}
		if _, err := ParseDurationField("notifier.retry_max_delay", n.RetryMaxDelay); err != nil {
			errs = append(errs, err)
		}
		if n.Enabled {
			if strings.TrimSpace(n.Telegram.Token) == "" {
				errs = append(errs, errors.New("notifier.telegram.token is required when the notifier is enabled"))
			}
			if n.Telegram.ChatID == 0 {
				errs = append(errs, errors.New("notifier.telegram.chat_id is required when the notifier is enabled"))
			}
		}
	}

	if c.Debug.Enabled {
		addr := strings.TrimSpace(c.Debug.Addr)
		if addr != "" {
			if _, _, err := net.SplitHostPort(addr); err != nil {
				errs = append(errs, fmt.Errorf("debug.addr: %w", err))
			}
		}
	}
	return errors.Join(errs...)
}
