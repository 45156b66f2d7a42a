package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"video-uploader/internal/app"
	"video-uploader/internal/config"
	"video-uploader/internal/logging"
)

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "uploader",
		Short:         "Scheduled video uploads to TikTok and Instagram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.yaml (default ./config.yaml or ./data/config.yaml)")

	cmd.AddCommand(newServeCmd(opts), newUploadCmd(opts), newBatchCmd(opts))
	return cmd
}

// loadConfig reads configuration and builds the logger.
func (o *rootOptions) loadConfig() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return cfg, log, nil
}

// withApp builds the application from the adjusted config, runs fn and tears everything down.
func withApp(ctx context.Context, cfg *config.Config, log *zap.Logger, fn func(*app.App) error) error {
	defer log.Sync()
	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	runErr := fn(a)
	if err := a.Close(); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	return runErr
}
