package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"video-uploader/internal/app"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var (
		host  string
		port  int
		noAPI bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler, API, watcher and recurring batches until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := root.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("host") {
				cfg.Server.Host = host
			}
			if cmd.Flags().Changed("port") {
				cfg.Server.Port = port
			}
			if noAPI {
				cfg.Server.Enabled = false
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, cfg, log, func(a *app.App) error {
				log.Info("uploader started",
					zap.Strings("platforms", a.Scheduler.Platforms()),
					zap.Bool("api", cfg.Server.Enabled),
					zap.Bool("watch", cfg.Watch.Enabled))
				err := a.Run(ctx)
				log.Info("uploader stopped")
				return err
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "127.0.0.1", "API listen host")
	cmd.Flags().IntVar(&port, "port", 8080, "API listen port")
	cmd.Flags().BoolVar(&noAPI, "no-api", false, "do not start the HTTP API")
	return cmd
}
