package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"video-uploader/internal/app"
	"video-uploader/internal/models"
	"video-uploader/internal/scheduler"
)

func newUploadCmd(root *rootOptions) *cobra.Command {
	var (
		platformName string
		title        string
		description  string
		tags         []string
		priority     string
	)
	cmd := &cobra.Command{
		Use:   "upload VIDEO",
		Short: "Upload one video now and wait for the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prio, err := models.ParsePriority(priority)
			if err != nil {
				return err
			}
			cfg, log, err := root.loadConfig()
			if err != nil {
				return err
			}
			cfg.Server.Enabled = false
			cfg.Watch.Enabled = false
			cfg.Recurring = nil
			cfg.Scheduler.Enabled = true

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, cfg, log, func(a *app.App) error {
				path := args[0]
				if _, err := os.Stat(path); err != nil {
					// Fall back to a bare file name inside the videos directory.
					resolved, rerr := a.Library.Resolve(path)
					if rerr != nil {
						return fmt.Errorf("video %s: %w", path, err)
					}
					path = resolved
				}

				runCtx, cancel := context.WithCancel(ctx)
				done := make(chan error, 1)
				go func() { done <- a.Run(runCtx) }()
				defer func() {
					cancel()
					<-done
				}()

				id, err := a.Scheduler.Submit(ctx, scheduler.SubmitRequest{
					Platform:    platformName,
					VideoPath:   path,
					Title:       title,
					Description: description,
					Tags:        tags,
					Priority:    prio,
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "submitted %s\n", id)

				task, err := a.Scheduler.WaitTerminal(ctx, id)
				if err != nil {
					return fmt.Errorf("waiting for %s: %w", id, err)
				}
				if task.Status != models.StatusCompleted {
					return fmt.Errorf("task %s %s: %s", id, task.Status, task.ErrorText())
				}
				fmt.Fprintf(cmd.OutOrStdout(), "completed %s %s\n", id, task.RemoteID)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&platformName, "platform", "p", "tiktok", "destination platform")
	cmd.Flags().StringVarP(&title, "title", "t", "", "video title (default: file name)")
	cmd.Flags().StringVar(&description, "description", "", "video description")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "comma-separated hashtags")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high or urgent")
	return cmd
}
