package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gitlab.com/d21d3q/wmbusd/internal/config"
	"gitlab.com/d21d3q/wmbusd/internal/decoder"
	"gitlab.com/d21d3q/wmbusd/internal/driver/builtin"
	"gitlab.com/d21d3q/wmbusd/internal/logging"
	"gitlab.com/d21d3q/wmbusd/internal/server"
)

type serveFlags struct {
	config    string
	tcp       string
	unix      string
	logLevel  string
	logFormat string
}

func newServeCmd() *cobra.Command {
	var flags serveFlags
	cmd := &cobra.Command{
		Use:          "serve",
		Short:        "Run the decoding daemon",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, flags)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&flags.config, "config", "", "path to a TOML config file")
	cmd.Flags().StringVar(&flags.tcp, "tcp", "", `TCP listen address, "" to disable`)
	cmd.Flags().StringVar(&flags.unix, "unix", "", "unix socket path")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "", "debug, info, warn or error")
	cmd.Flags().StringVar(&flags.logFormat, "log-format", "", "text or json")
	return cmd
}

// loadConfig reads the file and applies the flags that were set on the
// command line.
func loadConfig(cmd *cobra.Command, flags serveFlags) (config.Config, error) {
	cfg, err := config.Load(flags.config)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("tcp") {
		cfg.TCP = flags.tcp
	}
	if cmd.Flags().Changed("unix") {
		cfg.Unix = flags.unix
	}
	if cmd.Flags().Changed("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	return cfg, cfg.Validate()
}

func runServe(ctx context.Context, cfg config.Config) error {
	log, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	reg := builtin.Registry()
	log.WithField("drivers", reg.Names()).Info("starting wmbusd")

	srv := server.New(cfg.Server(), decoder.New(reg, log), log)
	if err := srv.ListenAndServe(ctx); err != nil {
		return err
	}
	log.Info("wmbusd stopped")
	return nil
}
