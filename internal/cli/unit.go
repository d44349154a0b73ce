package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dropwatch/internal/config"
	"github.com/ppiankov/dropwatch/internal/systemd"
)

var (
	unitBinary string
	unitUser   string
)

func init() {
	unitCmd.Flags().StringVar(&unitBinary, "binary", systemd.DefaultBinary, "Path of the dropwatch binary in ExecStart")
	unitCmd.Flags().StringVar(&unitUser, "user", "", "User the service runs as")
	rootCmd.AddCommand(unitCmd)
}

var unitCmd = &cobra.Command{
	Use:   "unit",
	Short: "Print a systemd service unit for the configuration",
	Long: `Prints a dropwatch.service unit that runs the configured routes. Only the
directories the configuration writes to are writable inside the sandbox.

  dropwatch unit --config /etc/dropwatch/config.yaml > /etc/systemd/system/dropwatch.service`,
	RunE: runUnit,
}

func runUnit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	fmt.Fprint(cmd.OutOrStdout(), systemd.Unit(cfg, systemd.UnitOptions{
		Binary:     unitBinary,
		ConfigPath: path,
		User:       unitUser,
	}))
	return nil
}
