package main

import (
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/zoobzio/tracemachine"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "tracemachine",
	Short: "Interaction trace machine",
	Long: `tracemachine builds one tree of timed spans per user interaction.

The CLI drives a scripted interaction through the machine and prints
the resulting wire format, which is useful for checking configuration
and for producing sample payloads.`,
	SilenceUsage: true,
}

type rootFlags struct {
	config  string
	verbose bool
}

var rootOpts rootFlags

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootOpts.config, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&rootOpts.verbose, "verbose", "v", false, "Log machine lifecycle to stderr")
}

// loadConfig reads the effective configuration for a command.
func loadConfig() (tracemachine.Config, error) {
	return tracemachine.LoadConfig(rootOpts.config)
}

func newLogger(w io.Writer) *zap.Logger {
	level := zapcore.WarnLevel
	if rootOpts.verbose {
		level = zapcore.DebugLevel
	}
	encoder := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), level))
}
