package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"video-uploader/internal/app"
	"video-uploader/internal/models"
	"video-uploader/internal/planner"
)

func newBatchCmd(root *rootOptions) *cobra.Command {
	var (
		platformName string
		maxVideos    int
		interval     time.Duration
		priority     string
	)
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Plan pending videos into upload tasks and exit",
		Long: "Plan pending videos from the videos directory into upload tasks. The tasks are\n" +
			"stored and picked up by a running or later started `uploader serve`.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
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

			ctx := context.Background()
			return withApp(ctx, cfg, log, func(a *app.App) error {
				ids, err := a.Planner.Batch(ctx, planner.BatchRequest{
					Platform:  platformName,
					MaxVideos: maxVideos,
					Priority:  prio,
					Interval:  interval,
				})
				for _, id := range ids {
					fmt.Fprintln(cmd.OutOrStdout(), id)
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "planned %d task(s) for %s\n", len(ids), platformName)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&platformName, "platform", "p", "tiktok", "destination platform")
	cmd.Flags().IntVarP(&maxVideos, "max-videos", "n", 1, "maximum number of videos to plan")
	cmd.Flags().DurationVar(&interval, "interval", 0, "spacing between scheduled uploads, e.g. 30m")
	cmd.Flags().StringVar(&priority, "priority", "normal", "low, normal, high or urgent")
	return cmd
}
