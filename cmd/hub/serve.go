package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/keystroke-tools/hub/internal/dispatch"
)

func serveCmd(global *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Consume entry events from NATS until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, global)
			if err != nil {
				return err
			}
			defer a.close(context.WithoutCancel(ctx))

			conn, err := dispatch.Connect(a.cfg.NATS.URL, a.logger)
			if err != nil {
				return err
			}
			defer conn.Drain()

			g, gctx := errgroup.WithContext(ctx)
			if a.cfg.MetricsEnabled {
				addr := fmt.Sprintf(":%d", a.cfg.MetricsPort)
				g.Go(func() error { return a.metrics.Serve(gctx, addr, a.logger) })
			}
			consumer := dispatch.NewConsumer(conn, a.cfg.NATS, a.manager, a.logger)
			g.Go(func() error { return consumer.Run(gctx) })

			err = g.Wait()
			a.logger.Info("Server shutdown complete", zap.Error(err))
			return err
		},
	}
}
