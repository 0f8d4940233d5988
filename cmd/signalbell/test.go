package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"signalbell/internal/app"
	"signalbell/internal/audio"
	"signalbell/internal/config"
	"signalbell/internal/instance"
	"signalbell/internal/schedule"
	logx "signalbell/pkg/logx"
)

func newTestCmd(opts *rootOptions) *cobra.Command {
	var duration time.Duration
	cmd := &cobra.Command{
		Use:   "test <id>",
		Short: "Play a schedule's audio now",
		Long: `Plays a schedule's audio now. When a daemon is running, the playback is
queued on it through the debug server; otherwise it plays here.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, cfg, err := opts.openStore()
			if err != nil {
				return err
			}
			s, err := st.Get(commandContext(cmd), id)
			_ = st.Close()
			if err != nil {
				return err
			}

			lock, err := instance.Acquire(cfg.Instance.LockPath)
			if errors.Is(err, instance.ErrLocked) {
				return triggerOnDaemon(cmd, cfg, s, duration, err)
			}
			if err != nil {
				return err
			}
			defer func() { _ = lock.Release() }()
			return playLocally(cmd, cfg, s, duration)
		},
	}
	cmd.Flags().DurationVar(&duration, "duration", 0, "override the playback duration (local playback only)")
	return cmd
}

func triggerOnDaemon(cmd *cobra.Command, cfg *config.Config, s schedule.Schedule, duration time.Duration, lockErr error) error {
	if duration > 0 {
		return fmt.Errorf("%w; --duration only applies to local playback", lockErr)
	}
	c, err := newDaemonClient(cfg)
	if err != nil {
		return fmt.Errorf("%w; %w", lockErr, err)
	}
	if err := c.trigger(commandContext(cmd), s.ID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s Queued %q on the running daemon\n", color.New(color.FgGreen).Sprint("✓"), s.Name)
	return nil
}

func playLocally(cmd *cobra.Command, cfg *config.Config, s schedule.Schedule, duration time.Duration) error {
	player := audio.NewExecPlayer(app.MapAudioConfig(cfg), logx.Nop())
	if err := player.Validate(s.AudioPath); err != nil {
		return err
	}
	d := s.PlayDuration()
	if duration > 0 {
		d = duration
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Playing %q for %s (Ctrl-C to stop)\n", s.Name, d)
	start := time.Now()
	err := <-player.Play(ctx, audio.Request{Path: s.AudioPath, Duration: d, Device: s.Device})
	if ctx.Err() != nil {
		fmt.Fprintln(cmd.OutOrStdout(), "Stopped")
		return nil
	}
	if err != nil && !errors.Is(err, audio.ErrStopped) {
		return fmt.Errorf("playback failed: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Done after %s\n", time.Since(start).Round(100*time.Millisecond))
	return nil
}
