package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dnetguru/wallpaper-engine-controller/internal/api"
	"github.com/dnetguru/wallpaper-engine-controller/internal/config"
	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
	"github.com/dnetguru/wallpaper-engine-controller/internal/instance"
	"github.com/dnetguru/wallpaper-engine-controller/internal/logger"
	"github.com/dnetguru/wallpaper-engine-controller/internal/render"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start controlling the wallpaper",
	Long: `Start watching desktop visibility and pause or resume the wallpaper render
process as the desktop is covered or revealed.

The wallpaper is resumed when the controller stops (Ctrl+C or SIGTERM).`,
	Example: `  # Watch every monitor with the configured threshold
  wallpaper-controller run

  # Watch monitors 1 and 2, pausing below 30% visibility
  wallpaper-controller run --monitors 1,2 --threshold 30

  # Track each monitor separately, re-evaluating at most every 500ms
  wallpaper-controller run --per-monitor --update-rate 500

  # Use the 64-bit executable from a custom directory and expose the status API
  wallpaper-controller run --64bit --render-dir /opt/wallpaper_engine --api-port 8089`,
	RunE: runRun,
}

// runFlagKeys maps run flags to config keys.
var runFlagKeys = map[string]string{
	"monitors":    "monitors",
	"threshold":   "threshold",
	"update-rate": "update_rate_ms",
	"per-monitor": "per_monitor",
	"64bit":       "render.use_64bit",
	"render-dir":  "render.dir",
	"api-port":    "api.port",
}

func init() {
	rootCmd.AddCommand(runCmd)

	d := config.Default()
	runCmd.Flags().StringP("monitors", "m", d.Monitors, `monitors to watch: "all" or a list like "1,2"`)
	runCmd.Flags().Float64P("threshold", "t", d.Threshold, "pause when visibility drops below this percentage")
	runCmd.Flags().IntP("update-rate", "u", d.UpdateRateMS, "minimum milliseconds between evaluations")
	runCmd.Flags().BoolP("per-monitor", "p", d.PerMonitor, "track each monitor as its own region")
	runCmd.Flags().Bool("64bit", d.Render.Use64Bit, "use the 64-bit render executable")
	runCmd.Flags().String("render-dir", d.Render.Dir, "directory containing the render executables")
	runCmd.Flags().Int("api-port", d.API.Port, "enable the status API on this port")
}

func runRun(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("cli")

	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	for flag, key := range runFlagKeys {
		if err := configMgr.BindFlag(key, cmd.Flags().Lookup(flag)); err != nil {
			return err
		}
	}

	cfg, err := configMgr.Get()
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("api-port") {
		cfg.API.Enabled = true
	}

	settings, err := cfg.Settings()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := instance.Acquire(ctx, instance.PathFor(configMgr.GetConfigPath()))
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warn().Err(err).Msg("Failed to release instance lock")
		}
	}()

	source, err := visibility.NewX11Source()
	if err != nil {
		return err
	}
	defer source.Close()

	if cfg.LockHidesDesktop {
		watcher, err := visibility.NewScreenSaverWatcher()
		if err != nil {
			log.Warn().Err(err).Msg("Screen lock detection unavailable")
		} else {
			defer watcher.Close()
			source.SetLockWatcher(watcher)
		}
	}

	commander := render.NewCommander(cfg.Render.Dir, cfg.Render.Use64Bit)
	commander.Executable = cfg.Render.Executable
	warnIfRenderStopped(ctx, commander)

	var opts []controller.Option
	var hub *api.Hub
	if cfg.API.Enabled {
		hub = api.NewHub(32)
		opts = append(opts, controller.WithReporter(hub))
	}

	ctrl, err := controller.New(settings, source, commander, opts...)
	if err != nil {
		return err
	}

	if hub != nil {
		server := api.NewServer(ctrl, hub, func(ctx context.Context) (bool, error) {
			return render.Running(ctx, filepath.Base(commander.Path()))
		})
		go func() {
			if err := server.Start(ctx, cfg.API.Port); err != nil {
				log.Error().Err(err).Int("port", cfg.API.Port).Msg("Status API stopped")
			}
		}()
	}

	log.Info().
		Str("config", configMgr.GetConfigPath()).
		Str("render", commander.Path()).
		Msg("Wallpaper controller running, press Ctrl+C to stop")

	if err := ctrl.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		if serr := source.Err(); serr != nil {
			err = errors.Join(err, serr)
		}
		return err
	}

	log.Info().Msg("Shut down gracefully")
	return nil
}

func warnIfRenderStopped(ctx context.Context, commander *render.Commander) {
	name := filepath.Base(commander.Path())
	running, err := render.Running(ctx, name)
	if err != nil {
		logger.WithComponent("cli").Debug().Err(err).Msg("Could not inspect process table")
		return
	}
	if !running {
		logger.WithComponent("cli").Warn().
			Str("process", name).
			Msg("Render process is not running; commands will fail until it starts")
	}
}
