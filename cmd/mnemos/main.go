// Command mnemos runs the conversational turn service and its dev tooling.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/mnemos/internal/config"
	"github.com/ent0n29/mnemos/internal/logging"
)

type rootOptions struct {
	configPath string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "mnemos: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	serve := newServeCmd(opts)

	root := &cobra.Command{
		Use:           "mnemos",
		Short:         "Conversational turn service with long-term memory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (defaults to $"+config.ConfigFileEnv+")")

	root.AddCommand(serve)
	root.AddCommand(newTokenCmd(opts))
	root.AddCommand(newUserCmd(opts))
	root.AddCommand(newPerfCmd())
	return root
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.LoadFile(o.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg config.Config) *slog.Logger {
	return logging.New(
		logging.WithLevel(cfg.LogLevel),
		logging.WithFormat(cfg.LogFormat),
	)
}
