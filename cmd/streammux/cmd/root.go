// Package cmd implements the streammux command line.
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmylchreest/streammux/internal/config"
	"github.com/jmylchreest/streammux/internal/observability"
	"github.com/jmylchreest/streammux/internal/version"
)

// cfgFile is the --config flag.
var cfgFile string

var rootCmd = &cobra.Command{
	Use:     "streammux",
	Short:   "Live MPEG-TS stream multiplexer",
	Version: version.Short(),
	Long: `streammux fans IPTV channels out to many clients over a single upstream
connection per channel.

An upstream is read once into a ring buffer and each client follows it at its
own position. Upstreams are read directly over HTTP or through ffmpeg, and a
group limit caps how many a provider account may have open at once.`,
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Set here rather than in the literal: newLogger reads rootCmd's flags.
	rootCmd.PersistentPreRun = func(*cobra.Command, []string) {
		slog.SetDefault(newLogger(config.LoggingConfig{}, nil))
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default searches ./config.yaml, /etc/streammux, $HOME/.streammux)")
	// Not bound to viper: only explicitly set flags override file and env.
	pf.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	pf.String("log-format", "json", "log format (text, json)")
}

// loggingConfig overlays explicitly set logging flags on cfg and fills in
// defaults.
func loggingConfig(cfg config.LoggingConfig) config.LoggingConfig {
	pf := rootCmd.PersistentFlags()
	if pf.Changed("log-level") {
		cfg.Level, _ = pf.GetString("log-level")
	}
	if pf.Changed("log-format") {
		cfg.Format, _ = pf.GetString("log-format")
	}

	switch cfg.Level = strings.ToLower(cfg.Level); cfg.Level {
	case "":
		cfg.Level = "info"
	case "warning":
		cfg.Level = "warn"
	}
	if cfg.Format = strings.ToLower(cfg.Format); cfg.Format == "" {
		cfg.Format = "json"
	}
	return cfg
}

// newLogger builds the stderr logger. With a non-nil level the threshold
// follows config reloads.
func newLogger(cfg config.LoggingConfig, level *slog.LevelVar) *slog.Logger {
	cfg = loggingConfig(cfg)

	var logger *slog.Logger
	if level != nil {
		logger = observability.NewReloadableLogger(cfg, os.Stderr, level)
	} else {
		logger = observability.NewLoggerWithWriter(cfg, os.Stderr)
	}
	return observability.WithApp(logger, version.ApplicationName, version.Version)
}
