package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"signalbell/internal/app"
	"signalbell/internal/audio"
	logx "signalbell/pkg/logx"
)

func newDevicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio output devices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			devs, err := audio.NewExecPlayer(app.MapAudioConfig(cfg), logx.Nop()).Devices(commandContext(cmd))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(devs) == 0 {
				fmt.Fprintln(out, "No devices reported.")
				return nil
			}
			for _, d := range devs {
				fmt.Fprintln(out, d)
			}
			return nil
		},
	}
}
