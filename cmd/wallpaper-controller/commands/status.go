package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dnetguru/wallpaper-engine-controller/internal/config"
	"github.com/dnetguru/wallpaper-engine-controller/internal/controller"
	"github.com/dnetguru/wallpaper-engine-controller/internal/render"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and render process state",
	Long: `Show the effective configuration, whether the render process is running
and, when the status API is enabled, the live state of a running controller.`,
	Example: `  wallpaper-controller status
  wallpaper-controller status --format json`,
	RunE: runStatus,
}

var statusFormat string

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVarP(&statusFormat, "format", "f", "table", "output format (table or json)")
}

type statusReport struct {
	ConfigPath    string             `json:"config_path"`
	Monitors      string             `json:"monitors"`
	Threshold     float64            `json:"threshold"`
	UpdateRateMS  int                `json:"update_rate_ms"`
	PerMonitor    bool               `json:"per_monitor"`
	RenderPath    string             `json:"render_path"`
	RenderRunning bool               `json:"render_running"`
	Controller    *controller.Status `json:"controller,omitempty"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg, err := configMgr.Get()
	if err != nil {
		return err
	}

	commander := render.NewCommander(cfg.Render.Dir, cfg.Render.Use64Bit)
	commander.Executable = cfg.Render.Executable

	report := statusReport{
		ConfigPath:   configMgr.GetConfigPath(),
		Monitors:     cfg.Monitors,
		Threshold:    cfg.Threshold,
		UpdateRateMS: cfg.UpdateRateMS,
		PerMonitor:   cfg.PerMonitor,
		RenderPath:   commander.Path(),
	}

	report.RenderRunning, err = render.Running(cmd.Context(), filepath.Base(commander.Path()))
	if err != nil {
		return fmt.Errorf("failed to inspect processes: %w", err)
	}

	if cfg.API.Enabled {
		report.Controller = fetchControllerStatus(cmd.Context(), cfg)
	}

	switch statusFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "table":
		return printStatus(os.Stdout, report)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", statusFormat)
	}
}

// fetchControllerStatus asks a running controller for its state; nil when none answers.
func fetchControllerStatus(ctx context.Context, cfg *config.Config) *controller.Status {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	url := fmt.Sprintf("http://127.0.0.1:%d/api/status", cfg.API.Port)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil
	}
	var status controller.Status
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil
	}
	return &status
}

func printStatus(out io.Writer, r statusReport) error {
	running := "No"
	if r.RenderRunning {
		running = "Yes"
	}

	fmt.Fprintf(out, "Config:         %s\n", r.ConfigPath)
	fmt.Fprintf(out, "Monitors:       %s\n", r.Monitors)
	fmt.Fprintf(out, "Threshold:      %.1f%%\n", r.Threshold)
	fmt.Fprintf(out, "Update rate:    %dms\n", r.UpdateRateMS)
	fmt.Fprintf(out, "Per monitor:    %t\n", r.PerMonitor)
	fmt.Fprintf(out, "Render process: %s (running: %s)\n", r.RenderPath, running)

	if r.Controller == nil {
		return nil
	}

	fmt.Fprintf(out, "\nController last action: %s", r.Controller.LastAction)
	if !r.Controller.LastActionAt.IsZero() {
		fmt.Fprintf(out, " at %s", r.Controller.LastActionAt.Format(time.RFC3339))
	}
	fmt.Fprintln(out)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REGION\tSTATE\tPERCENT")
	fmt.Fprintln(w, "------\t-----\t-------")
	for _, region := range r.Controller.Regions {
		fmt.Fprintf(w, "%s\t%s\t%.1f%%\n", region.Region, region.State, region.Percent)
	}
	return w.Flush()
}
