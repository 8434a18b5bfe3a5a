package commands

import (
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pipeline"
	"github.com/teranos/genepulse/pulse/progress"
)

// StatusCmd shows the progress of a run
var StatusCmd = &cobra.Command{
	Use:   "status [RUN_ID]",
	Short: "Show the progress of the latest or a given run",
	Long: `Show a run's status and per-provider progress, read from the database.
Without a run id the latest run is shown. --list shows recent runs instead.

Examples:
  genepulse status
  genepulse status 3f2c9a1e-... --format yaml
  genepulse status --list 10`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

var (
	statusFormat string
	statusList   int
)

func init() {
	StatusCmd.Flags().StringVar(&statusFormat, "format", formatTable, "Output format: table, json, yaml")
	StatusCmd.Flags().IntVar(&statusList, "list", 0, "List the N most recent runs")
}

func runStatus(cmd *cobra.Command, args []string) error {
	if statusFormat != formatTable && statusFormat != formatJSON && statusFormat != formatYAML {
		return errors.NewInvalidRequestError("unknown format %q (want table, json or yaml)", statusFormat)
	}

	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	runs := pipeline.NewRunStore(a.db)

	if statusList > 0 {
		list, err := runs.List(ctx, statusList)
		if err != nil {
			return err
		}
		if statusFormat != formatTable {
			return writeStructured(cmd.OutOrStdout(), statusFormat, list)
		}
		return printRunList(list)
	}

	runID := ""
	if len(args) == 1 {
		runID = args[0]
	}
	state, err := pipeline.LoadStatus(ctx, runs, progress.NewSQLStore(a.db), runID)
	if err != nil {
		if errors.IsNotFoundError(err) && runID == "" {
			return errors.WithHint(err, "start one with: genepulse run <ids>")
		}
		return err
	}

	if statusFormat != formatTable {
		return writeStructured(cmd.OutOrStdout(), statusFormat, state)
	}
	out, err := renderProgress(state)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	fmt.Fprintln(cmd.OutOrStdout(), summaryLine(state))
	return nil
}

func printRunList(list []*pipeline.Run) error {
	if len(list) == 0 {
		pterm.Info.Println("No runs recorded")
		return nil
	}
	rows := pterm.TableData{{"Run", "Status", "Entities", "Providers", "Started", "Duration"}}
	for _, r := range list {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}
		rows = append(rows, []string{
			r.ID,
			runStatusText(r.Status),
			strconv.Itoa(len(r.EntityIDs)),
			strconv.Itoa(len(r.Providers)),
			r.CreatedAt.Local().Format(time.DateTime),
			duration,
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}
