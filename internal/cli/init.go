package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/dropwatch/internal/config"
)

var initForce bool

func init() {
	initCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a commented sample configuration",
	Long: `Writes a sample configuration with one route, a badger idempotent
repository and an output directory. The file goes to --config, or to
$XDG_CONFIG_HOME/dropwatch/config.yaml when no path is given.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	if err := config.InitConfigToPath(path, initForce); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
