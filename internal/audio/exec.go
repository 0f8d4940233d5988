package audio

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "signalbell/pkg/logx"
)

// Config controls ExecPlayer.
//
// Args and DeviceArgs may use the placeholders {path} and {device}.
// DeviceArgs are inserted before Args only when a device is requested;
// DeviceEnv (if set) is exported with the device name as well.
type Config struct {
	Command            string
	Args               []string
	DeviceArgs         []string
	DeviceEnv          string
	ListDevicesCommand []string
	Extensions         []string
}

func DefaultConfig() Config {
	return Config{
		Command:    "ffplay",
		Args:       []string{"-nodisp", "-autoexit", "-loglevel", "quiet", "{path}"},
		DeviceEnv:  "AUDIODEV",
		Extensions: []string{".wav", ".mp3", ".ogg", ".flac", ".aiff", ".au"},
	}
}

// loopPause separates two passes of a short clip so a clip that exits at once
// cannot spin the CPU.
const loopPause = 10 * time.Millisecond

type playback struct {
	cancel  context.CancelFunc
	stopped bool
}

// ExecPlayer runs one external player process at a time. A clip shorter than
// the requested duration is restarted until the duration elapses; the process
// is killed at the boundary.
type ExecPlayer struct {
	log logx.Logger

	mu  sync.Mutex
	cfg Config
	cur *playback
}

func NewExecPlayer(cfg Config, log logx.Logger) *ExecPlayer {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &ExecPlayer{log: log}
	p.Apply(cfg)
	return p
}

// Apply swaps the player config; the active playback keeps its command line.
func (p *ExecPlayer) Apply(cfg Config) {
	def := DefaultConfig()
	if strings.TrimSpace(cfg.Command) == "" {
		cfg.Command = def.Command
		if len(cfg.Args) == 0 {
			cfg.Args = def.Args
		}
	}
	if len(cfg.Extensions) == 0 {
		cfg.Extensions = def.Extensions
	}
	p.mu.Lock()
	p.cfg = cfg
	p.mu.Unlock()
}

func (p *ExecPlayer) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil
}

func (p *ExecPlayer) Stop() {
	p.mu.Lock()
	cur := p.cur
	if cur != nil {
		cur.stopped = true
	}
	p.mu.Unlock()
	if cur != nil {
		cur.cancel()
	}
}

func (p *ExecPlayer) Play(ctx context.Context, req Request) <-chan error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := p.Validate(req.Path); err != nil {
		return Done(err)
	}

	p.Stop()

	p.mu.Lock()
	cfg := p.cfg
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if req.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Duration)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	pb := &playback{cancel: cancel}
	p.cur = pb
	p.mu.Unlock()

	out := make(chan error, 1)
	go func() {
		err := p.loop(runCtx, cfg, req, req.Duration > 0)
		cancel()

		p.mu.Lock()
		stopped := pb.stopped
		if p.cur == pb {
			p.cur = nil
		}
		p.mu.Unlock()

		if stopped {
			err = ErrStopped
		}
		out <- err
		close(out)
	}()
	return out
}

func (p *ExecPlayer) loop(ctx context.Context, cfg Config, req Request, repeat bool) error {
	for pass := 1; ; pass++ {
		cmd := p.command(ctx, cfg, req)
		var stderr bytes.Buffer
		cmd.Stderr = &stderr
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", cfg.Command, err)
		}
		p.log.Debug("player started", logx.String("path", req.Path), logx.Int("pass", pass), logx.Int("pid", cmd.Process.Pid))

		err := cmd.Wait()
		if ctx.Err() != nil {
			// Killed at the duration boundary or by Stop.
			return nil
		}
		if err != nil {
			msg := strings.TrimSpace(stderr.String())
			if msg != "" {
				return fmt.Errorf("%s: %w: %s", cfg.Command, err, msg)
			}
			return fmt.Errorf("%s: %w", cfg.Command, err)
		}
		if !repeat {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(loopPause):
		}
	}
}

func (p *ExecPlayer) command(ctx context.Context, cfg Config, req Request) *exec.Cmd {
	args := make([]string, 0, len(cfg.DeviceArgs)+len(cfg.Args))
	if req.Device != "" {
		args = append(args, expand(cfg.DeviceArgs, req)...)
	}
	args = append(args, expand(cfg.Args, req)...)

	cmd := exec.CommandContext(ctx, cfg.Command, args...)
	cmd.WaitDelay = 2 * time.Second
	if req.Device != "" && cfg.DeviceEnv != "" {
		cmd.Env = append(os.Environ(), cfg.DeviceEnv+"="+req.Device)
	}
	return cmd
}

func expand(args []string, req Request) []string {
	out := make([]string, 0, len(args))
	for _, a := range args {
		a = strings.ReplaceAll(a, "{path}", req.Path)
		a = strings.ReplaceAll(a, "{device}", req.Device)
		out = append(out, a)
	}
	return out
}

// Validate checks that path is a regular file with a supported extension.
func (p *ExecPlayer) Validate(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("%w: empty path", ErrFileNotFound)
	}
	st, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return err
	}
	if st.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrFileNotFound, path)
	}

	p.mu.Lock()
	exts := p.cfg.Extensions
	p.mu.Unlock()
	ext := strings.ToLower(filepath.Ext(path))
	for _, e := range exts {
		if strings.EqualFold(e, ext) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
}

// Devices lists output devices using the configured list command, one per line.
// Without a command only "default" is reported.
func (p *ExecPlayer) Devices(ctx context.Context) ([]string, error) {
	p.mu.Lock()
	argv := append([]string(nil), p.cfg.ListDevicesCommand...)
	p.mu.Unlock()
	if len(argv) == 0 {
		return []string{"default"}, nil
	}

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).Output()
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	var devices []string
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			devices = append(devices, line)
		}
	}
	return devices, sc.Err()
}
