package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dnetguru/wallpaper-engine-controller/internal/config"
	"github.com/dnetguru/wallpaper-engine-controller/internal/visibility"
)

var monitorsCmd = &cobra.Command{
	Use:     "monitors",
	Aliases: []string{"list"},
	Short:   "List monitors and their current visibility",
	Long: `Measure every monitor once and print how much of its desktop is visible.

Monitor IDs printed here are the ones accepted by --monitors.`,
	Example: `  # Table output (default)
  wallpaper-controller monitors

  # JSON output
  wallpaper-controller monitors --format json`,
	RunE: runMonitors,
}

var monitorsFormat string

func init() {
	rootCmd.AddCommand(monitorsCmd)

	monitorsCmd.Flags().StringVarP(&monitorsFormat, "format", "f", "table", "output format (table or json)")
}

type monitorRow struct {
	ID          int     `json:"id"`
	TotalArea   int64   `json:"total_area"`
	VisibleArea int64   `json:"visible_area"`
	Percent     float64 `json:"percent"`
	Watched     bool    `json:"watched"`
}

type monitorReport struct {
	Monitors []monitorRow `json:"monitors"`
	// Overall is the whole-desktop percentage over watched monitors
	Overall float64 `json:"overall"`
	Watch   string  `json:"watch"`
}

func runMonitors(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig()
	if err != nil {
		return err
	}
	cfg, err := configMgr.Get()
	if err != nil {
		return err
	}
	watch, _, err := config.ParseWatchSet(cfg.Monitors)
	if err != nil {
		return err
	}

	source, err := visibility.NewX11Source()
	if err != nil {
		return err
	}
	defer source.Close()

	batch, err := source.Snapshot(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to measure monitors: %w", err)
	}

	report := buildMonitorReport(batch, watch)

	switch monitorsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	case "table":
		return printMonitorsTable(os.Stdout, report)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", monitorsFormat)
	}
}

func buildMonitorReport(batch visibility.Batch, watch visibility.WatchSet) monitorReport {
	report := monitorReport{Watch: watch.String()}
	for _, m := range batch.Monitors {
		report.Monitors = append(report.Monitors, monitorRow{
			ID:          m.ID,
			TotalArea:   m.TotalArea,
			VisibleArea: m.VisibleArea,
			Percent:     m.Percent(),
			Watched:     watch.Contains(m.ID),
		})
	}

	overall := visibility.Aggregator{Watch: watch}.Aggregate(batch)
	report.Overall = overall[0].Percent
	return report
}

func printMonitorsTable(out io.Writer, report monitorReport) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)

	fmt.Fprintln(w, "ID\tTOTAL\tVISIBLE\tPERCENT\tWATCHED")
	fmt.Fprintln(w, "--\t-----\t-------\t-------\t-------")

	for _, m := range report.Monitors {
		watched := "No"
		if m.Watched {
			watched = "Yes"
		}
		fmt.Fprintf(w, "%d\t%d\t%d\t%.1f%%\t%s\n", m.ID, m.TotalArea, m.VisibleArea, m.Percent, watched)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	_, err := fmt.Fprintf(out, "\nOverall visibility (%s): %.1f%%\n", report.Watch, report.Overall)
	return err
}
