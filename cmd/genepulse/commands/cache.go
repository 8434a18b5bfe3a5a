package commands

import (
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/genepulse/am"
	"github.com/teranos/genepulse/cache"
	"github.com/teranos/genepulse/errors"
)

// CacheCmd groups cache maintenance commands
var CacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the annotation cache",
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear [PROVIDER|NAMESPACE...]",
	Short: "Drop cached provider responses",
	Long: `Drop cached responses so the next run fetches them again.

Arguments name providers (their source namespace is cleared) or raw cache
namespaces. --all clears the namespace of every configured provider.

Examples:
  genepulse cache clear gtex
  genepulse cache clear --all`,
	RunE: runCacheClear,
}

var cacheGCCmd = &cobra.Command{
	Use:   "gc",
	Short: "Reclaim space in the durable cache tier",
	RunE:  runCacheGC,
}

var cacheClearAll bool

func init() {
	cacheClearCmd.Flags().BoolVar(&cacheClearAll, "all", false, "Clear every provider namespace")
	CacheCmd.AddCommand(cacheClearCmd)
	CacheCmd.AddCommand(cacheGCCmd)
}

// clearTargets maps arguments to namespaces; known provider names map to their source namespace
func clearTargets(cfg *am.Config, args []string, all bool) ([]string, error) {
	if all {
		if len(args) > 0 {
			return nil, errors.NewInvalidRequestError("--all takes no arguments")
		}
		var out []string
		for _, name := range am.ProviderOrder {
			if _, ok := cfg.Providers[name]; ok {
				out = append(out, cache.SourceNamespace(name))
			}
		}
		return out, nil
	}
	if len(args) == 0 {
		return nil, errors.WithHint(
			errors.NewInvalidRequestError("nothing to clear"),
			"name providers or namespaces, or pass --all")
	}

	out := make([]string, 0, len(args))
	for _, arg := range args {
		name := strings.ToLower(strings.TrimSpace(arg))
		if _, ok := cfg.Providers[name]; ok {
			out = append(out, cache.SourceNamespace(name))
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	namespaces, err := clearTargets(a.cfg, args, cacheClearAll)
	if err != nil {
		return err
	}
	for _, ns := range namespaces {
		if err := a.cache.InvalidateNamespace(cmd.Context(), ns); err != nil {
			return errors.Wrapf(err, "failed to clear %s", ns)
		}
		pterm.Success.Printf("Cleared %s\n", ns)
	}
	return nil
}

func runCacheGC(cmd *cobra.Command, args []string) error {
	a, err := openStores()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.cache.RunGC(cmd.Context()); err != nil {
		return errors.Wrap(err, "cache GC failed")
	}
	pterm.Success.Printf("Cache GC finished for %s\n", a.cfg.Cache.Path)
	return nil
}
