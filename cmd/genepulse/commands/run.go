package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/logger"
	"github.com/teranos/genepulse/pipeline"
	"github.com/teranos/genepulse/pulse/progress"
)

// RunCmd runs the pipeline in the foreground
var RunCmd = &cobra.Command{
	Use:   "run [ENTITY_ID...]",
	Short: "Run the pipeline over gene identifiers",
	Long: `Resolve the given gene identifiers against HGNC, then annotate them with
every enabled provider (or those named by --providers).

Identifiers are symbols, HGNC ids or Ensembl gene ids. They may be passed as
arguments, separated by commas or spaces, or read from a file with --file
(one or more per line, # starts a comment, - reads stdin).

Progress is shown live. Ctrl+C cancels the run; maintenance still runs and
providers keep the records they already committed. Press Ctrl+C again to
exit immediately.

Examples:
  genepulse run BRCA1 TP53
  genepulse run --file genes.txt --providers gtex,hpo
  genepulse run --full-refresh --fan-out 2 BRCA1`,
	RunE: runPipeline,
}

var (
	runFile        string
	runProviders   []string
	runFullRefresh bool
	runFanOut      int
	runNoProgress  bool
	runJSON        bool
)

// progressRefresh throttles redraws of the live table
const progressRefresh = 200 * time.Millisecond

func init() {
	RunCmd.Flags().StringVarP(&runFile, "file", "f", "", "Read identifiers from a file (- for stdin)")
	RunCmd.Flags().StringSliceVarP(&runProviders, "providers", "p", nil, "Providers to run (default: all enabled)")
	RunCmd.Flags().BoolVar(&runFullRefresh, "full-refresh", false, "Clear stored records and bypass the cache")
	RunCmd.Flags().IntVar(&runFanOut, "fan-out", 0, "Max providers running at once (default: pipeline.fan_out_width)")
	RunCmd.Flags().BoolVar(&runNoProgress, "no-progress", false, "Print only the final summary")
	RunCmd.Flags().BoolVar(&runJSON, "json", false, "Print the final run state as JSON")
}

func runOptions() []pipeline.RunOption {
	var opts []pipeline.RunOption
	if runFullRefresh {
		opts = append(opts, pipeline.WithFullRefresh())
	}
	if runFanOut > 0 {
		opts = append(opts, pipeline.WithFanOut(runFanOut))
	}
	return opts
}

func runPipeline(cmd *cobra.Command, args []string) error {
	ids, err := collectEntityIDs(args, runFile, cmd.InOrStdin())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.startPipeline(ctx); err != nil {
		return errors.Wrap(err, "failed to start pipeline")
	}

	sub := a.tracker.Subscribe()
	defer a.tracker.Unsubscribe(sub)

	runID, err := a.orch.StartRun(ctx, ids, runProviders, runOptions()...)
	if err != nil {
		return err
	}
	log := a.log.With(logger.FieldRunID, runID)
	log.Infow("Run started", logger.FieldCount, len(ids))
	if !runJSON {
		pterm.Info.Printf("Run %s started for %d identifiers\n", runID, len(ids))
	}

	final, err := watchRun(a, runID, sub)
	if err != nil {
		return err
	}

	if runJSON {
		if err := writeStructured(cmd.OutOrStdout(), formatJSON, final); err != nil {
			return err
		}
	} else {
		switch final.Status {
		case progress.RunCompleted:
			pterm.Success.Println(summaryLine(final))
		case progress.RunPartialSuccess:
			pterm.Warning.Println(summaryLine(final))
		default:
			pterm.Error.Println(summaryLine(final))
		}
	}

	if final.Status == progress.RunFailed || final.Status == progress.RunCancelled {
		return errors.Newf("run %s %s", runID, final.Status)
	}
	return nil
}

// watchRun redraws progress until the run ends. The first interrupt cancels
// the run, the second exits the process.
func watchRun(a *app, runID string, sub *progress.Subscription) (progress.State, error) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	type result struct {
		state progress.State
		err   error
	}
	done := make(chan result, 1)
	go func() {
		st, err := a.orch.Wait(context.Background(), runID)
		done <- result{st, err}
	}()

	var area *pterm.AreaPrinter
	if !runNoProgress && !runJSON {
		area, _ = pterm.DefaultArea.Start()
	}
	redraw := func() {
		if area == nil {
			return
		}
		if out, err := renderProgress(a.tracker.Snapshot()); err == nil {
			area.Update(out)
		}
	}

	ticker := time.NewTicker(progressRefresh)
	defer ticker.Stop()

	events := sub.C()
	dirty := true
	cancelling := false
	for {
		select {
		case _, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			dirty = true
		case <-ticker.C:
			if dirty {
				redraw()
				dirty = false
			}
		case <-sigChan:
			if cancelling {
				pterm.Warning.Println("Force exit - the run is left for the next start to mark interrupted")
				os.Exit(1)
			}
			cancelling = true
			pterm.Info.Println("Cancelling run (press Ctrl+C again to force)...")
			if err := a.orch.CancelRun(runID); err != nil && !errors.IsNotFoundError(err) {
				a.log.Warnw("Failed to cancel run", logger.FieldRunID, runID, logger.FieldError, err)
			}
		case res := <-done:
			if area != nil {
				if out, err := renderProgress(res.state); err == nil {
					area.Update(out)
				}
				_ = area.Stop()
			}
			return res.state, res.err
		}
	}
}
