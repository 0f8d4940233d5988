package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"signalbell/internal/app"
	"signalbell/internal/config"
	"signalbell/internal/storage"
	logx "signalbell/pkg/logx"
)

const envConfig = "SIGNALBELL_CONFIG"

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "signalbell",
		Short: "signalbell - plays audio signals at configured times",
		Long: `signalbell keeps a list of timed audio signals (bells, sirens, announcements)
and plays each one on its weekdays at its time of day.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", os.Getenv(envConfig),
		"config file (.json, .yaml or .toml); defaults apply when empty")

	cmd.AddCommand(
		newRunCmd(opts),
		newScheduleCmd(opts),
		newTestCmd(opts),
		newSilenceCmd(opts),
		newDevicesCmd(opts),
		newHistoryCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) path() string { return strings.TrimSpace(o.configPath) }

// load reads the config file, or returns defaults when none is given.
func (o *rootOptions) load() (*config.Config, error) {
	if o.path() == "" {
		return config.Default(), nil
	}
	return config.NewConfigManager(o.path()).Load()
}

func (o *rootOptions) openStore() (storage.Store, *config.Config, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	sc, err := app.MapStorageConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := storage.Open(sc, logx.Nop())
	if err != nil {
		return nil, nil, err
	}
	return st, cfg, nil
}
