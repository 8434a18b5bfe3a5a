package commands

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/annotation"
	"github.com/teranos/genepulse/errors"
)

// ShowCmd prints everything stored for one entity
var ShowCmd = &cobra.Command{
	Use:   "show ENTITY_ID",
	Short: "Show the gene identity and provider annotations of an entity",
	Long: `Show what earlier runs stored for one entity: its resolved gene identity
and the payload of every provider that annotated it. Views are read through
the annotations cache, which runs invalidate as records change.

Examples:
  genepulse show BRCA1
  genepulse show TP53 --format json`,
	Args: cobra.ExactArgs(1),
	RunE: runShow,
}

var showFormat string

func init() {
	ShowCmd.Flags().StringVar(&showFormat, "format", formatTable, "Output format: table, json")
}

func runShow(cmd *cobra.Command, args []string) error {
	if showFormat != formatTable && showFormat != formatJSON {
		return errors.NewInvalidRequestError("unknown format %q (want table or json)", showFormat)
	}

	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	view, err := a.entities().EntityView(cmd.Context(), strings.TrimSpace(args[0]))
	if err != nil {
		if errors.IsNotFoundError(err) {
			return errors.WithHint(err, "annotate it first with: genepulse run "+args[0])
		}
		return err
	}

	if showFormat == formatJSON {
		return writeStructured(cmd.OutOrStdout(), formatJSON, view)
	}
	out, err := renderView(view)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	return nil
}

// viewRows lays out one row per provider annotation
func viewRows(view *annotation.View) pterm.TableData {
	rows := pterm.TableData{{"Provider", "Payload"}}
	for _, name := range view.Providers() {
		rows = append(rows, []string{name, truncate(string(view.Annotations[name]), maxErrorWidth)})
	}
	return rows
}

func renderView(view *annotation.View) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", pterm.Bold.Sprint(view.EntityID))
	if g := view.Gene; g != nil {
		fmt.Fprintf(&b, "  symbol %s  hgnc %s  ensembl %s", g.Symbol, g.HGNCID, g.EnsemblID)
		if g.EntrezID != "" {
			fmt.Fprintf(&b, "  entrez %s", g.EntrezID)
		}
		b.WriteString("\n")
	}
	if len(view.Annotations) == 0 {
		return b.String(), nil
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(viewRows(view)).Srender()
	if err != nil {
		return "", errors.Wrap(err, "failed to render annotations")
	}
	b.WriteString(table)
	return b.String(), nil
}
