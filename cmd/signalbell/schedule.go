package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"signalbell/internal/app"
	"signalbell/internal/audio"
	"signalbell/internal/config"
	"signalbell/internal/schedule"
	logx "signalbell/pkg/logx"
)

type scheduleFlags struct {
	name     string
	at       string
	days     string
	audio    string
	duration int
	device   string
	notes    string
	disabled bool
	force    bool
}

func (f *scheduleFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.name, "name", "n", "", "schedule name")
	cmd.Flags().StringVarP(&f.at, "time", "t", "", "time of day, HH:MM")
	cmd.Flags().StringVarP(&f.days, "days", "d", "", "weekdays, e.g. mon-fri or sat,sun or daily")
	cmd.Flags().StringVarP(&f.audio, "audio", "a", "", "path to the audio file")
	cmd.Flags().IntVar(&f.duration, "duration", 0, "playback duration in seconds (default 30)")
	cmd.Flags().StringVar(&f.device, "device", "", "output device (empty = system default)")
	cmd.Flags().StringVar(&f.notes, "notes", "", "free-form notes")
	cmd.Flags().BoolVar(&f.disabled, "disabled", false, "create the schedule disabled")
	cmd.Flags().BoolVar(&f.force, "force", false, "skip the audio file check")
}

// apply copies every flag the user set onto s.
func (f *scheduleFlags) apply(cmd *cobra.Command, s *schedule.Schedule) error {
	changed := cmd.Flags().Changed
	if changed("name") {
		s.Name = strings.TrimSpace(f.name)
	}
	if changed("time") {
		h, m, err := schedule.ParseClock(f.at)
		if err != nil {
			return err
		}
		s.Hour, s.Minute = h, m
	}
	if changed("days") {
		days, err := schedule.ParseWeekdays(f.days)
		if err != nil {
			return err
		}
		s.Weekdays = days
	}
	if changed("audio") {
		s.AudioPath = strings.TrimSpace(f.audio)
	}
	if changed("duration") {
		s.DurationSec = f.duration
	}
	if changed("device") {
		s.Device = strings.TrimSpace(f.device)
	}
	if changed("notes") {
		s.Notes = f.notes
	}
	return nil
}

func checkAudio(cfg *config.Config, path string) error {
	return audio.NewExecPlayer(app.MapAudioConfig(cfg), logx.Nop()).Validate(path)
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid schedule id %q", raw)
	}
	return id, nil
}

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "schedule",
		Aliases: []string{"schedules", "s"},
		Short:   "Manage schedules",
	}
	cmd.AddCommand(
		newScheduleAddCmd(opts),
		newScheduleListCmd(opts),
		newScheduleShowCmd(opts),
		newScheduleUpdateCmd(opts),
		newScheduleRemoveCmd(opts),
		newScheduleToggleCmd(opts, "enable", true),
		newScheduleToggleCmd(opts, "disable", false),
	)
	return cmd
}

func newScheduleAddCmd(opts *rootOptions) *cobra.Command {
	var f scheduleFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a schedule",
		Example: `  signalbell schedule add -n "Morning bell" -t 07:30 -d mon-fri -a /srv/sounds/bell.wav
  signalbell schedule add -n Siren -t 12:00 -d daily -a siren.mp3 --duration 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, req := range []string{"name", "time", "days", "audio"} {
				if !cmd.Flags().Changed(req) {
					return fmt.Errorf("--%s is required", req)
				}
			}
			st, cfg, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			s := schedule.Schedule{Enabled: !f.disabled}
			if err := f.apply(cmd, &s); err != nil {
				return err
			}
			if !f.force {
				if err := checkAudio(cfg, s.AudioPath); err != nil {
					return fmt.Errorf("%w (use --force to skip this check)", err)
				}
			}
			created, err := st.Create(commandContext(cmd), s)
			if err != nil {
				return fmt.Errorf("failed to create schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Created schedule %d: %s at %s (%s)\n",
				color.New(color.FgGreen).Sprint("✓"), created.ID, created.Name, created.Clock(), created.Weekdays)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newScheduleListCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List schedules ordered by time of day",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, _, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			list, err := st.List(commandContext(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "No schedules.")
				return nil
			}
			writeScheduleTable(out, list, time.Now())
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func writeScheduleTable(out io.Writer, list []schedule.Schedule, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tTIME\tDAYS\tDURATION\tSTATUS\tNEXT")
	for _, s := range list {
		next := "-"
		if s.Enabled {
			if n := s.Next(now); !n.IsZero() {
				next = n.Format("Mon 02 Jan 15:04")
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%ds\t%s\t%s\n",
			s.ID, s.Name, s.Clock(), s.Weekdays, s.DurationSec, enabledLabel(s.Enabled), next)
	}
	_ = w.Flush()
}

func enabledLabel(enabled bool) string {
	if enabled {
		return color.New(color.FgGreen).Sprint("enabled")
	}
	return color.New(color.FgYellow).Sprint("disabled")
}

func newScheduleShowCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, _, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Get(commandContext(cmd), id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Schedule %d: %s\n", s.ID, color.New(color.Bold).Sprint(s.Name))
			fmt.Fprintf(out, "  Time:     %s\n", s.Clock())
			fmt.Fprintf(out, "  Days:     %s\n", s.Weekdays)
			fmt.Fprintf(out, "  Audio:    %s\n", s.AudioPath)
			fmt.Fprintf(out, "  Duration: %ds\n", s.DurationSec)
			if s.Device != "" {
				fmt.Fprintf(out, "  Device:   %s\n", s.Device)
			}
			fmt.Fprintf(out, "  Status:   %s\n", enabledLabel(s.Enabled))
			fmt.Fprintf(out, "  Cron:     %s\n", s.CronSpec())
			if s.Enabled {
				fmt.Fprintf(out, "  Next:     %s\n", s.Next(time.Now()).Format(time.RFC1123))
			}
			if s.Notes != "" {
				fmt.Fprintf(out, "  Notes:    %s\n", s.Notes)
			}
			return nil
		},
	}
}

func newScheduleUpdateCmd(opts *rootOptions) *cobra.Command {
	var f scheduleFlags
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Change fields of a schedule; unset flags keep their value",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, cfg, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.Get(commandContext(cmd), id)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, &s); err != nil {
				return err
			}
			if cmd.Flags().Changed("audio") && !f.force {
				if err := checkAudio(cfg, s.AudioPath); err != nil {
					return fmt.Errorf("%w (use --force to skip this check)", err)
				}
			}
			updated, err := st.Update(commandContext(cmd), s)
			if err != nil {
				return fmt.Errorf("failed to update schedule: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Updated schedule %d: %s at %s (%s)\n",
				color.New(color.FgGreen).Sprint("✓"), updated.ID, updated.Name, updated.Clock(), updated.Weekdays)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newScheduleRemoveCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm", "delete"},
		Short:   "Remove a schedule",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, _, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.Delete(commandContext(cmd), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Removed schedule %d\n", color.New(color.FgGreen).Sprint("✓"), id)
			return nil
		},
	}
}

func newScheduleToggleCmd(opts *rootOptions, verb string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			st, _, err := opts.openStore()
			if err != nil {
				return err
			}
			defer st.Close()

			s, err := st.SetEnabled(commandContext(cmd), id, enabled)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Schedule %d (%s) is now %s\n", s.ID, s.Name, enabledLabel(s.Enabled))
			return nil
		},
	}
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
