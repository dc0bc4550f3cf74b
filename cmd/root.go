// Package cmd holds the nodeplay command line.
package cmd

import (
	"context"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/realtime-ai/nodeplayer/pkg/config"
	"github.com/realtime-ai/nodeplayer/pkg/elements"
	"github.com/realtime-ai/nodeplayer/pkg/elements/rtc"
	"github.com/realtime-ai/nodeplayer/pkg/logging"
	"github.com/realtime-ai/nodeplayer/pkg/pipeline"
	"github.com/realtime-ai/nodeplayer/pkg/player"
)

var (
	configFile string
	logLevel   string

	cfg    *config.Config
	logger = zap.NewNop()

	rootCmd = &cobra.Command{
		Use:           "nodeplay",
		Short:         "Play media through a staged pipeline",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if cfg, err = config.Load(configFile); err != nil {
				return err
			}
			if logLevel != "" {
				cfg.Log.Level = logLevel
			}
			logger, err = logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			if cfg.File != "" {
				logger.Debug("config loaded", zap.String("file", cfg.File))
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			_ = logger.Sync()
		},
	}
)

func Execute() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		color.New(color.FgRed).Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default: ./config.yaml, $XDG_CONFIG_HOME/nodeplayer/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override")

	rootCmd.AddCommand(NewPlayCommand())
	rootCmd.AddCommand(NewStubsCommand())
	rootCmd.AddCommand(NewProbeCommand())
	rootCmd.AddCommand(NewServeCommand())
}

// stageOptions applies the loaded config on top of the stage defaults.
func stageOptions(renderers elements.RendererFactory) rtc.Options {
	opts := cfg.ElementOptions()
	opts.Logger = logger
	opts.Renderers = renderers
	return rtc.Options{Options: opts}
}

func newPlayer(opts rtc.Options) (*player.Controller, error) {
	r := pipeline.NewRegistry(pipeline.RegistryOptions{Logger: logger, UserAgent: cfg.UserAgent})
	if err := elements.Register(r, rtc.Stubs(opts)...); err != nil {
		return nil, err
	}
	popts := cfg.PlayerOptions()
	popts.Logger = logger
	popts.Registry = r
	return player.New(popts)
}

func stateColor(s player.State) *color.Color {
	switch s {
	case player.StateStarted, player.StateComplete:
		return color.New(color.FgGreen)
	case player.StateError:
		return color.New(color.FgRed)
	case player.StatePaused, player.StateStopped:
		return color.New(color.FgYellow)
	}
	return color.New(color.Faint)
}
