package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/ppiankov/dropwatch/internal/route"
)

func init() {
	rootCmd.AddCommand(runCmd)
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start every configured route",
	Long: `Starts all routes and polls until SIGINT or SIGTERM. In-flight files finish
before exit, bounded by instance.shutdown_timeout. With instance.reload set,
routes restart whenever the config file changes. SIGHUP reloads on demand.`,
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, log, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sup := route.NewSupervisor(afero.NewOsFs(), resolvedConfigPath(), cfg, log)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				if err := sup.Reload(ctx); err != nil {
					log.Error().Err(err).Msg("reload on SIGHUP failed")
				} else {
					log.Info().Msg("configuration reloaded on SIGHUP")
				}
			}
		}
	}()

	if err := sup.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("dropwatch stopped with error")
		return err
	}
	log.Info().Msg("dropwatch stopped")
	return nil
}
