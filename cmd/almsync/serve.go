package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/almsync/pkg/api"
	"github.com/cuemby/almsync/pkg/dispatcher"
	"github.com/cuemby/almsync/pkg/log"
	"github.com/cuemby/almsync/pkg/metrics"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const collectInterval = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher, webhook API and reconciler",
	Long: `Run almsync as a service: consume envelopes from the transport and
sync them to the tracker, accept tracker webhooks, and periodically
re-announce rows that are still unlinked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("api-addr"); addr != "" {
			cfg.API.Addr = addr
		}
		metrics.SetVersion(Version)

		a, err := newApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.requireLifecycle(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		monitor := a.newMonitor()
		monitor.Start(ctx)
		defer monitor.Stop()

		collector := metrics.NewCollector(a.store, collectInterval)
		collector.Start()
		defer collector.Stop()

		a.reconciler.Start(ctx)
		defer a.reconciler.Stop()

		deps := api.Deps{Webhooks: a.dispatcher, Requirements: a.store}
		if a.intake != nil {
			deps.Intake = a.intake
		}
		if a.materializer != nil {
			deps.Materializer = a.materializer
		}
		server := api.NewServer(deps, log.WithComponent("api"))
		runner := dispatcher.NewRunner(a.transport, a.dispatcher, cfg.Dispatcher.Workers, log.WithComponent("dispatcher"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return runner.Run(gctx)
		})
		g.Go(func() error {
			return server.Start(cfg.API.Addr)
		})
		g.Go(func() error {
			<-gctx.Done()
			log.Info("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Stop(shutdownCtx)
		})

		log.Logger.Info().
			Str("api", cfg.API.Addr).
			Str("warehouse", cfg.Warehouse.Driver).
			Str("transport", cfg.Transport.Driver).
			Msg("almsync is running")

		if err := g.Wait(); err != nil {
			return err
		}
		log.Info("Shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("api-addr", "", "Address for the webhook and health API (overrides api.addr)")
}
