package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/errors"
)

// ConfigCmd groups configuration commands
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Write and show configuration",
	Long: `Manage genepulse configuration (am.toml).

Configuration sources (in order of precedence):
1. Environment variables (GENEPULSE_* prefix)
2. Project config (./am.toml, searched upwards)
3. User config (~/.genepulse/am.toml)
4. System config (/etc/genepulse/am.toml)
5. Default values

--config reads a single file on top of the defaults instead.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [PATH]",
	Short: "Write a config file with every default",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	RunE:  runConfigShow,
}

var configWhereCmd = &cobra.Command{
	Use:   "where",
	Short: "List the config files in effect",
	RunE:  runConfigWhere,
}

var (
	configForce  bool
	configFormat string
)

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Replace an existing file (the old one is kept as .back1)")
	configShowCmd.Flags().StringVar(&configFormat, "format", formatTOML, "Output format: toml, json, yaml")

	ConfigCmd.AddCommand(configInitCmd)
	ConfigCmd.AddCommand(configShowCmd)
	ConfigCmd.AddCommand(configWhereCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := am.ConfigFileName
	if len(args) == 1 {
		path = args[0]
	} else if ConfigPath != "" {
		path = ConfigPath
	}

	if err := am.WriteDefaults(path, configForce); err != nil {
		return err
	}
	pterm.Success.Printf("Wrote %s\n", path)
	return nil
}

// redacted returns a copy of cfg without provider API keys
func redacted(cfg *am.Config) *am.Config {
	out := *cfg
	out.Providers = make(map[string]am.ProviderConfig, len(cfg.Providers))
	for name, p := range cfg.Providers {
		if p.APIKey != "" {
			p.APIKey = "********"
		}
		out.Providers[name] = p
	}
	return &out
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	switch configFormat {
	case formatTOML, formatJSON, formatYAML:
	default:
		return errors.NewInvalidRequestError("unsupported format %q (supported: toml, json, yaml)", configFormat)
	}
	if configFormat != formatJSON {
		fmt.Fprintln(cmd.OutOrStdout(), "# genepulse configuration")
	}
	return writeStructured(cmd.OutOrStdout(), configFormat, redacted(cfg))
}

func runConfigWhere(cmd *cobra.Command, args []string) error {
	if ConfigPath != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s (--config)\n", ConfigPath)
		return nil
	}
	if _, err := am.Load(); err != nil {
		return err
	}
	files := am.LoadedFiles()
	if len(files) == 0 {
		pterm.Info.Println("No config files found, using defaults (write one with: genepulse config init)")
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), "Config files (later overrides earlier):")
	for _, f := range files {
		fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", f)
	}
	return nil
}
