package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"

	"github.com/teranos/genepulse/errors"
	"github.com/teranos/genepulse/pulse/progress"
)

// Output formats accepted by --format
const (
	formatTable = "table"
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTOML  = "toml"
)

// maxErrorWidth truncates last errors in progress tables
const maxErrorWidth = 60

// writeStructured writes v as JSON, YAML or TOML
func writeStructured(w io.Writer, format string, v interface{}) error {
	switch format {
	case formatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case formatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return errors.Wrap(err, "failed to encode YAML")
		}
		return enc.Close()
	case formatTOML:
		data, err := toml.Marshal(v)
		if err != nil {
			return errors.Wrap(err, "failed to encode TOML")
		}
		_, err = w.Write(data)
		return err
	default:
		return errors.NewInvalidRequestError("unknown format %q", format)
	}
}

// shortRunID keeps the first uuid group
func shortRunID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	return id
}

// runStatusText colors a run status for terminals
func runStatusText(s progress.RunStatus) string {
	switch s {
	case progress.RunCompleted:
		return pterm.Green(string(s))
	case progress.RunPartialSuccess:
		return pterm.Yellow(string(s))
	case progress.RunFailed, progress.RunCancelled:
		return pterm.Red(string(s))
	case progress.RunIdle:
		return pterm.Gray(string(s))
	default:
		return pterm.LightCyan(string(s))
	}
}

// providerStatusText colors a provider status for terminals
func providerStatusText(s progress.ProviderStatus) string {
	switch s {
	case progress.ProviderSucceeded:
		return pterm.Green(string(s))
	case progress.ProviderSucceededWithErrors:
		return pterm.Yellow(string(s))
	case progress.ProviderFailed, progress.ProviderCancelled:
		return pterm.Red(string(s))
	case progress.ProviderRunning:
		return pterm.LightCyan(string(s))
	default:
		return pterm.Gray(string(s))
	}
}

// countText renders succeeded against total, with a percentage once the total is known
func countText(p *progress.ProviderProgress) string {
	if p.Total <= 0 {
		return strconv.Itoa(p.Succeeded)
	}
	pct := p.Succeeded * 100 / p.Total
	return fmt.Sprintf("%d/%d (%d%%)", p.Succeeded, p.Total, pct)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// progressRows lays out one row per provider under a header row
func progressRows(st progress.State) pterm.TableData {
	rows := pterm.TableData{{"Provider", "Status", "Succeeded", "Failed", "Skipped", "Cache hits", "Last error"}}
	for _, name := range st.ProviderNames() {
		p := st.Providers[name]
		lastErr := p.LastError
		if p.ErrorClass != "" && lastErr != "" {
			lastErr = p.ErrorClass + ": " + lastErr
		}
		rows = append(rows, []string{
			name,
			providerStatusText(p.Status),
			countText(p),
			strconv.Itoa(p.Failed),
			strconv.Itoa(p.Skipped),
			strconv.Itoa(p.CacheHits),
			truncate(lastErr, maxErrorWidth),
		})
	}
	return rows
}

// renderProgress renders a run header and its provider table
func renderProgress(st progress.State) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Run %s  %s  phase %d\n", pterm.Bold.Sprint(shortRunID(st.RunID)), runStatusText(st.Status), st.Phase)
	if len(st.Providers) == 0 {
		return b.String(), nil
	}
	table, err := pterm.DefaultTable.WithHasHeader().WithData(progressRows(st)).Srender()
	if err != nil {
		return "", errors.Wrap(err, "failed to render progress table")
	}
	b.WriteString(table)
	return b.String(), nil
}

// summaryLine is the one-line outcome printed when a run ends
func summaryLine(st progress.State) string {
	t := st.Totals()
	line := fmt.Sprintf("Run %s %s: %d succeeded, %d failed, %d skipped, %d cache hits",
		shortRunID(st.RunID), st.Status, t.Succeeded, t.Failed, t.Skipped, t.CacheHits)
	if len(st.FailedProviders) > 0 {
		names := make([]string, 0, len(st.FailedProviders))
		for _, fp := range st.FailedProviders {
			names = append(names, fmt.Sprintf("%s (%s)", fp.Provider, fp.ErrorClass))
		}
		line += "; failed providers: " + strings.Join(names, ", ")
	}
	if st.Error != "" {
		line += "; " + st.Error
	}
	return line
}
