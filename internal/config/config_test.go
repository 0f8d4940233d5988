package config

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "signalbell/pkg/logx"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

const jsonCfg = `{
  "logging": {"level": "debug", "console": true, "file": {"enabled": false, "path": ""}},
  "scheduler": {"tick_interval": "1s", "queue_gap": "500ms", "timezone": "UTC"},
  "storage": {"driver": "sqlite", "path": "./bell.db"},
  "notifier": {"enabled": true, "telegram": {"token": "123:abc", "chat_id": -100}, "events": ["error"]}
}`

const yamlCfg = `
logging:
  level: debug
  console: true
  file: {enabled: false, path: ""}
scheduler:
  tick_interval: 1s
  queue_gap: 500ms
  timezone: UTC
storage:
  driver: sqlite
  path: ./bell.db
notifier:
  enabled: true
  telegram: {token: "123:abc", chat_id: -100}
  events: [error]
`

const tomlCfg = `
[logging]
level = "debug"
console = true

[logging.file]
enabled = false
path = ""

[scheduler]
tick_interval = "1s"
queue_gap = "500ms"
timezone = "UTC"

[storage]
driver = "sqlite"
path = "./bell.db"

[notifier]
enabled = true
events = ["error"]

[notifier.telegram]
token = "123:abc"
chat_id = -100
`

func TestLoadFormats(t *testing.T) {
	cases := []struct {
		name, file, body string
	}{
		{"json", "signalbell.json", jsonCfg},
		{"yaml", "signalbell.yaml", yamlCfg},
		{"toml", "signalbell.toml", tomlCfg},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := writeFile(t, t.TempDir(), tc.file, tc.body)
			m := NewConfigManager(p)
			cfg, err := m.Load()
			require.NoError(t, err)

			assert.Equal(t, "debug", cfg.Logging.Level)
			assert.Equal(t, "500ms", cfg.Scheduler.QueueGap)
			assert.True(t, cfg.Scheduler.AutoStart())
			assert.Equal(t, "sqlite", cfg.Storage.Driver)
			require.NotNil(t, cfg.Notifier)
			assert.Equal(t, int64(-100), cfg.Notifier.Telegram.ChatID)
			assert.Equal(t, []string{"error"}, cfg.Notifier.Events)
			assert.Same(t, cfg, m.Get())
		})
	}
}

func TestLoadRejectsUnknownFieldsAndTrailingData(t *testing.T) {
	dir := t.TempDir()

	_, err := NewConfigManager(writeFile(t, dir, "a.json", `{"storage": {"driver": "file", "path": "x"}, "plugins": {}}`)).Load()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "b.json", `{} {}`)).Load()
	assert.Error(t, err)

	_, err = NewConfigManager(writeFile(t, dir, "c.yaml", "scheduler:\n  tick: 1s\n")).Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	off := false
	cases := []struct {
		name string
		mod  func(c *Config)
		ok   bool
	}{
		{"default", func(c *Config) {}, true},
		{"bad duration", func(c *Config) { c.Scheduler.QueueGap = "soon" }, false},
		{"negative duration", func(c *Config) { c.Scheduler.StopTimeout = "-1s" }, false},
		{"coarse tick", func(c *Config) { c.Scheduler.TickInterval = "2m" }, false},
		{"bad timezone", func(c *Config) { c.Scheduler.Timezone = "Mars/Olympus" }, false},
		{"bad driver", func(c *Config) { c.Storage.Driver = "redis" }, false},
		{"notifier without token", func(c *Config) { c.Notifier = &NotifierConfig{Enabled: true} }, false},
		{"disabled notifier", func(c *Config) { c.Notifier = &NotifierConfig{Enabled: false} }, true},
		{"bad debug addr", func(c *Config) { c.Debug = DebugConfig{Enabled: true, Addr: "6060"} }, false},
		{"scheduler off", func(c *Config) { c.Scheduler.Enabled = &off }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mod(c)
			if tc.ok {
				assert.NoError(t, c.Validate())
			} else {
				assert.Error(t, c.Validate())
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	d, err := ParseDurationField("x", " 750ms ")
	require.NoError(t, err)
	assert.Equal(t, 750*time.Millisecond, d)

	d, err = ParseDurationField("x", "")
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = ParseDurationField("x", "90")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDurationField("scheduler.queue_gap", "-1s")
	assert.ErrorContains(t, err, "scheduler.queue_gap")
	_, err = ParseDurationField("scheduler.queue_gap", "-3")
	assert.ErrorContains(t, err, "negative")
	_, err = ParseDurationField("debug.read_timeout", "soon")
	assert.ErrorContains(t, err, `"soon" is not a duration`)

	d, err = ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
}

func TestSummarizeConfigChange(t *testing.T) {
	oldCfg := Default()
	newCfg := Default()
	newCfg.Logging.Level = "debug"
	newCfg.Notifier = &NotifierConfig{Enabled: true, Telegram: TelegramConfig{Token: "secret-token", ChatID: 1}}
	newCfg.Debug.Token = "another-secret"

	changed, attrs := SummarizeConfigChange(oldCfg, newCfg)
	assert.Equal(t, []string{"debug", "logging", "notifier"}, changed)
	var out bytes.Buffer
	logx.NewWriter(&out, logx.LevelInfo).Info("config changed", attrs...)
	assert.Contains(t, out.String(), `"notifier.token_set":true`)
	assert.NotContains(t, out.String(), "secret")

	changed, _ = SummarizeConfigChange(oldCfg, Default())
	assert.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	dir := t.TempDir()
	p := writeFile(t, dir, "signalbell.json", `{"logging": {"level": "info", "console": true, "file": {"enabled": false, "path": ""}}, "scheduler": {}, "storage": {"driver": "file", "path": "x"}}`)
	m := NewConfigManager(p)
	m.SetLogger(logx.Nop())
	_, err := m.Load()
	require.NoError(t, err)

	rejected := make(chan struct{}, 4)
	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		if cfg.Logging.Level == "trace" {
			select {
			case rejected <- struct{}{}:
			default:
			}
			return assert.AnError
		}
		return nil
	})
	ch := m.Subscribe(1)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	// let the watcher register before writing
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "signalbell.json", `{"logging": {"level": "trace", "console": true, "file": {"enabled": false, "path": ""}}, "scheduler": {}, "storage": {"driver": "file", "path": "x"}}`)
	select {
	case <-rejected:
	case <-time.After(3 * time.Second):
		t.Fatal("validator never saw the rejected config")
	}
	assert.Equal(t, "info", m.Get().Logging.Level)

	writeFile(t, dir, "signalbell.json", `{"logging": {"level": "warn", "console": true, "file": {"enabled": false, "path": ""}}, "scheduler": {}, "storage": {"driver": "file", "path": "x"}}`)
	select {
	case cfg := <-ch:
		assert.Equal(t, "warn", cfg.Logging.Level)
	case <-time.After(3 * time.Second):
		t.Fatal("no config published")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}
