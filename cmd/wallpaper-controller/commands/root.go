package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dnetguru/wallpaper-engine-controller/internal/config"
	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
)

var (
	cfgFile  string
	logLevel string
	rootCmd  = &cobra.Command{
		Use:   "wallpaper-controller",
		Short: "Pause the wallpaper renderer when the desktop is hidden",
		Long: `wallpaper-controller watches how much of the desktop is actually visible
and pauses the wallpaper render process when windows cover it, resuming it
as soon as enough of the desktop shows again.

Features:
  • Per-monitor or whole-desktop visibility tracking
  • Configurable visibility threshold and update rate
  • Treats a locked session as a hidden desktop
  • Always resumes the wallpaper on exit
  • Optional local status API with a live event stream`,
		SilenceUsage:      true,
		PersistentPreRunE: initLogging,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/wallpaper-controller/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// initLogging configures the logger from the config file, letting --log-level win.
func initLogging(cmd *cobra.Command, args []string) error {
	level := "info"
	pretty := true

	if configMgr, err := config.NewManager(cfgFile); err == nil {
		if cfg, err := configMgr.Get(); err == nil {
			level = cfg.LogLevel
			pretty = cfg.LogPretty
		}
	}

	if logLevel != "" {
		if !logger.ValidLevel(logLevel) {
			return fmt.Errorf("invalid log level: %s (use: debug, info, warn, error)", logLevel)
		}
		level = logLevel
	}

	logger.Init(level, pretty)
	return nil
}

// loadConfig opens the config manager for the --config path.
func loadConfig() (*config.Manager, error) {
	configMgr, err := config.NewManager(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return configMgr, nil
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
