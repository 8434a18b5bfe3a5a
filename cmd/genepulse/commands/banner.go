package commands

import (
	"fmt"
	"strings"

	"github.com/teranos/genepulse/version"
)

// bannerInfo is what the serve banner reports
type bannerInfo struct {
	Addr      string
	Database  string
	Cache     string
	Providers []string
	FanOut    int
	Verbosity int
	Config    string
}

// verbosityName describes a -v count
func verbosityName(v int) string {
	switch {
	case v <= 0:
		return "warnings"
	case v == 1:
		return "info"
	default:
		return "debug"
	}
}

// printStartupBanner prints the serve startup message
func printStartupBanner(info bannerInfo) {
	cyan := "\033[36m"
	green := "\033[32m"
	blue := "\033[34m"
	yellow := "\033[33m"
	bold := "\033[1m"
	reset := "\033[0m"

	v := version.Get()

	fmt.Printf("\n%s%s", cyan, bold)
	fmt.Printf("   ╔═══════════════════════════════════════════════════╗\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ║     ▞▚ genepulse   gene annotation ingestion      ║\n")
	fmt.Printf("   ║                                                   ║\n")
	fmt.Printf("   ╚═══════════════════════════════════════════════════╝%s\n\n", reset)

	fmt.Printf("%s%s┌─ genepulse ─────────────────────────────────────────┐%s\n", green, bold, reset)
	fmt.Printf("%s│%s Version:   %s (commit %s)\n", green, reset, v.Version, v.Short())
	fmt.Printf("%s│%s Built:     %s\n", green, reset, v.BuildTime)
	fmt.Printf("%s│%s Verbosity: %s\n", green, reset, verbosityName(info.Verbosity))
	if info.Config != "" {
		fmt.Printf("%s│%s Config:    %s\n", green, reset, info.Config)
	}
	fmt.Printf("%s│%s Database:  %s\n", green, reset, info.Database)
	fmt.Printf("%s│%s Cache:     %s\n", green, reset, info.Cache)
	fmt.Printf("%s│%s Providers: %s (fan-out %d)\n", green, reset, strings.Join(info.Providers, ", "), info.FanOut)
	fmt.Printf("%s└─────────────────────────────────────────────────────┘%s\n", green, reset)

	fmt.Printf("\n%s%sListening on http://%s%s\n", yellow, bold, info.Addr, reset)
	fmt.Printf("%s  POST /api/runs   GET /api/runs/{id}   WS /ws/progress   GET /metrics%s\n", blue, reset)
	fmt.Printf("%s💡 Press Ctrl+C to stop%s\n\n", blue, reset)
}
