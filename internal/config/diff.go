package config

import (
	"reflect"
	"sort"
	"strings"

	logx "signalbell/pkg/logx"
)

// SummarizeConfigChange returns a sorted list of changed sections and safe
// structured attrs for logging. Tokens are never included; only whether one
// is set.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 7)
	attrs := make([]logx.Field, 0, 24)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if oldCfg.Scheduler.AutoStart() != newCfg.Scheduler.AutoStart() ||
		!reflect.DeepEqual(trimScheduler(oldCfg.Scheduler), trimScheduler(newCfg.Scheduler)) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.AutoStart()),
			logx.String("scheduler.tick_interval", strings.TrimSpace(newCfg.Scheduler.TickInterval)),
			logx.String("scheduler.queue_gap", strings.TrimSpace(newCfg.Scheduler.QueueGap)),
			logx.String("scheduler.timezone", strings.TrimSpace(newCfg.Scheduler.Timezone)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(newCfg.Storage.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(newCfg.Storage.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Audio, newCfg.Audio) {
		changed = append(changed, "audio")
		attrs = append(attrs, logx.String("audio.command", strings.TrimSpace(newCfg.Audio.Command)))
	}

	oldN, newN := derefNotifier(oldCfg.Notifier), derefNotifier(newCfg.Notifier)
	if !reflect.DeepEqual(redactNotifier(oldN), redactNotifier(newN)) ||
		oldN.Telegram.Token != newN.Telegram.Token {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newN.Enabled),
			logx.Bool("notifier.token_set", strings.TrimSpace(newN.Telegram.Token) != ""),
			logx.Int("notifier.rate_per_sec", newN.RatePerSec),
			logx.Int("notifier.retry_max", newN.RetryMax),
			logx.Int("notifier.events", len(newN.Events)),
		)
	}

	if !reflect.DeepEqual(redactDebug(oldCfg.Debug), redactDebug(newCfg.Debug)) ||
		oldCfg.Debug.Token != newCfg.Debug.Token {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", strings.TrimSpace(newCfg.Debug.Addr)),
			logx.Bool("debug.token_set", strings.TrimSpace(newCfg.Debug.Token) != ""),
			logx.Bool("debug.allow_insecure", newCfg.Debug.AllowInsecure),
			logx.Bool("debug.metrics", newCfg.Debug.Metrics),
		)
	}

	if strings.TrimSpace(oldCfg.Instance.LockPath) != strings.TrimSpace(newCfg.Instance.LockPath) {
		changed = append(changed, "instance")
	}

	sort.Strings(changed)
	return changed, attrs
}

func trimScheduler(s SchedulerConfig) SchedulerConfig {
	s.Enabled = nil
	s.TickInterval = strings.TrimSpace(s.TickInterval)
	s.QueueGap = strings.TrimSpace(s.QueueGap)
	s.StopTimeout = strings.TrimSpace(s.StopTimeout)
	s.BoundaryGrace = strings.TrimSpace(s.BoundaryGrace)
	s.Timezone = strings.TrimSpace(s.Timezone)
	return s
}

func derefNotifier(n *NotifierConfig) NotifierConfig {
	if n == nil {
		return NotifierConfig{}
	}
	return *n
}

func redactNotifier(n NotifierConfig) NotifierConfig {
	n.Telegram.Token = ""
	return n
}

func redactDebug(d DebugConfig) DebugConfig {
	d.Token = ""
	return d
}
