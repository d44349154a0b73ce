package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ppiankov/dropwatch/internal/route"
)

func init() {
	rootCmd.AddCommand(pollCmd)
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Run one poll round per route and exit",
	Long:  "Polls every route once and prints the number of delivered files per route as JSON.",
	RunE:  runPoll,
}

func runPoll(cmd *cobra.Command, args []string) error {
	cfg, log, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := route.Build(ctx, afero.NewOsFs(), cfg, log)
	if err != nil {
		return err
	}
	defer rt.Close()

	counts, pollErr := rt.PollOnce(ctx)
	out, err := json.MarshalIndent(counts, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return pollErr
}
