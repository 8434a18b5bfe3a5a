package commands

import (
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/errors"
)

// CheckpointCmd groups streaming checkpoint commands
var CheckpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and reset streaming provider checkpoints",
	Long: `Streaming providers page through a feed and commit a cursor with every
page. An unfinished checkpoint is resumed by the next run; a finished one
makes the next run start over from the first page.`,
}

var checkpointLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List checkpoints",
	RunE:    runCheckpointLs,
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset PROVIDER",
	Short: "Delete a provider's checkpoint so its next run starts from the first page",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointReset,
}

var checkpointFormat string

func init() {
	checkpointLsCmd.Flags().StringVar(&checkpointFormat, "format", formatTable, "Output format: table, json, yaml")
	CheckpointCmd.AddCommand(checkpointLsCmd)
	CheckpointCmd.AddCommand(checkpointResetCmd)
}

func runCheckpointLs(cmd *cobra.Command, args []string) error {
	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	list, err := a.checkpoints().List(cmd.Context())
	if err != nil {
		return err
	}
	if checkpointFormat != formatTable {
		return writeStructured(cmd.OutOrStdout(), checkpointFormat, list)
	}
	if len(list) == 0 {
		pterm.Info.Println("No checkpoints")
		return nil
	}

	rows := pterm.TableData{{"Provider", "Run", "Processed", "Done", "Cursor", "Updated"}}
	for _, cp := range list {
		done := pterm.Yellow("no")
		if cp.Done {
			done = pterm.Green("yes")
		}
		rows = append(rows, []string{
			cp.Provider,
			shortRunID(cp.RunID),
			strconv.FormatInt(cp.Processed, 10),
			done,
			truncate(cp.Cursor, 24),
			cp.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
}

func runCheckpointReset(cmd *cobra.Command, args []string) error {
	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	provider := args[0]
	removed, err := a.checkpoints().Reset(cmd.Context(), provider)
	if err != nil {
		return err
	}
	if !removed {
		return errors.NewNotFoundError("no checkpoint for provider %s", provider)
	}
	pterm.Success.Printf("Reset %s checkpoint\n", provider)
	return nil
}
