package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hengadev/phisafe"
	"github.com/hengadev/phisafe/internal/opsapi"
)

func serveCmd(a *app) *cobra.Command {
	var cfg opsapi.Config
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the read-only operations API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd, func(ctx context.Context, svc *phisafe.Service) error {
				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()

				srv, err := svc.OpsServer(cfg)
				if err != nil {
					return err
				}
				return srv.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&cfg.Addr, "addr", ":8080", "listen address")
	cmd.Flags().IntVar(&cfg.RateLimit.RequestsPerWindow, "rate-limit", opsapi.DefaultRateLimit.RequestsPerWindow, "requests per minute per client IP")
	cmd.Flags().DurationVar(&cfg.RateLimit.Window, "rate-window", opsapi.DefaultRateLimit.Window, "rate limit window")
	cmd.Flags().IntVar(&cfg.RateLimit.Burst, "rate-burst", opsapi.DefaultRateLimit.Burst, "rate limit burst")
	return cmd
}
