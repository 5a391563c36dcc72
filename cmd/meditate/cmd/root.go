package cmd

import (
	"log/slog"
	"os"

	"github.com/loqalabs/loqa-meditation/internal/config"
	"github.com/loqalabs/loqa-meditation/internal/runtime"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "meditate",
	Short: "Render guided meditation audio from text",
	Long: `meditate clones a reference voice and reads a meditation script with
one of the built-in presets.

Generation runs in-process by default. With --remote the request is sent
to a running meditated node over NATS instead.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (defaults plus MEDITATION_* environment when empty)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
}

func loadConfig() (config.Config, error) {
	return config.Load(cfgFile)
}

func newLogger(cfg config.Config) *slog.Logger {
	level := cfg.Telemetry.LogLevel
	if verbose {
		level = "debug"
	}
	return runtime.NewLogger(os.Stderr, level, false)
}
