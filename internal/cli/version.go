package cli

import (
	"encoding/json"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// version is set by ldflags at build time.
var version = "dev"

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		out, _ := json.MarshalIndent(buildInfo(), "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
	},
}

// buildInfo falls back to the module version and VCS stamp embedded by the
// go tool when no version was set through ldflags.
func buildInfo() map[string]string {
	info := map[string]string{
		"name":     "dropwatch",
		"version":  version,
		"go":       runtime.Version(),
		"platform": runtime.GOOS + "/" + runtime.GOARCH,
	}
	bi, ok := debug.ReadBuildInfo()
	if !ok {
		return info
	}
	if version == "dev" && bi.Main.Version != "" && bi.Main.Version != "(devel)" {
		info["version"] = bi.Main.Version
	}
	for _, s := range bi.Settings {
		switch s.Key {
		case "vcs.revision":
			info["commit"] = s.Value
		case "vcs.modified":
			if s.Value == "true" {
				info["dirty"] = "true"
			}
		}
	}
	return info
}
