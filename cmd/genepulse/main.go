package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/cmd/genepulse/commands"
	"github.com/teranos/genepulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "genepulse",
	Short: "genepulse - gene annotation ingestion pipeline",
	Long: `genepulse - gene annotation ingestion pipeline.

genepulse resolves gene identifiers against HGNC, then pulls annotations
from the configured providers (gnomAD, GTEx, ClinVar, HPO, STRING, UniProt,
GenCC, PubTator) into a local SQLite store, under per-provider rate limits
and circuit breakers.

Available commands:
  run        - Run the pipeline over a set of gene identifiers
  status     - Show the progress of the current or a past run
  serve      - Start the HTTP server (run control, live progress, metrics)
  cache      - Manage the annotation cache
  checkpoint - Inspect and reset streaming provider checkpoints
  config     - Write and show configuration

Examples:
  genepulse config init              # Write am.toml with defaults
  genepulse run BRCA1 TP53 CFTR      # Annotate three genes with every provider
  genepulse run --file genes.txt -v  # Identifiers from a file, with phase logging
  genepulse status --format yaml     # Latest run as YAML
  genepulse serve                    # Serve /api/runs and /ws/progress`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.InitializeWithVerbosity(jsonLogs, verbosity); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv)")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Write logs as JSON")
	rootCmd.PersistentFlags().StringVarP(&commands.ConfigPath, "config", "c", "", "Config file (default: am.toml cascade)")

	rootCmd.AddCommand(commands.RunCmd)
	rootCmd.AddCommand(commands.StatusCmd)
	rootCmd.AddCommand(commands.ShowCmd)
	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.CacheCmd)
	rootCmd.AddCommand(commands.CheckpointCmd)
	rootCmd.AddCommand(commands.ConfigCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	err := rootCmd.Execute()
	logger.Cleanup()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
