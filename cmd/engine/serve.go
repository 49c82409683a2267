package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yourorg/netscan-engine/internal/api"
)

func newServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the scan orchestrator and the feed scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				cfg.HTTPAddr = addr
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.orch.Recover(ctx); err != nil {
				return err
			}

			srv := api.New(api.Config{RiskTopN: cfg.RiskTopN}, a.orch, a.store, a.syncer, logrus.WithField("component", "api"))
			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx, cfg.HTTPAddr) })
			if a.syncer.Feed != nil {
				g.Go(func() error {
					a.syncer.Run(gctx, cfg.FeedSyncInterval)
					return nil
				})
			} else {
				a.log.Warn("FEED_URL not set; vulnerability snapshots only change through the API")
			}
			g.Go(func() error {
				<-gctx.Done()
				shctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				return a.orch.Shutdown(shctx)
			})

			a.log.Infof("engine serving on %s", cfg.HTTPAddr)
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")
	return cmd
}
