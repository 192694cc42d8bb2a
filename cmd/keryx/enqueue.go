package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/keryx-io/keryx/core"
)

var (
	enqueueParams string
	enqueueQueue  string
	enqueueDelay  time.Duration
)

var enqueueCmd = &cobra.Command{
	Use:   "enqueue <action>",
	Short: "Enqueue one job and exit",
	Example: `  keryx enqueue fanout:child --params '{"itemId":"a1"}'
  keryx enqueue reports:nightly --queue reports --delay 30m`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actionName := args[0]

		params := core.ActionParams{}
		if enqueueParams != "" {
			if err := json.Unmarshal([]byte(enqueueParams), &params); err != nil {
				return fmt.Errorf("cannot parse --params: %w", err)
			}
		}

		app, err := buildApp(core.RunModeCLI)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		if err := app.Start(ctx); err != nil {
			return err
		}
		defer app.Stop(context.Background())

		var enqueued bool
		if enqueueDelay > 0 {
			enqueued, err = app.EnqueueIn(ctx, enqueueDelay, actionName, params, enqueueQueue)
		} else {
			enqueued, err = app.Enqueue(ctx, actionName, params, enqueueQueue)
		}
		if err != nil {
			return err
		}
		if !enqueued {
			return fmt.Errorf("enqueue of %s suppressed: an identical job is already pending", actionName)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s\n", actionName)
		return nil
	},
}

func init() {
	enqueueCmd.Flags().StringVar(&enqueueParams, "params", "", "job arguments as a JSON object")
	enqueueCmd.Flags().StringVar(&enqueueQueue, "queue", "", "target queue (default: the action's own)")
	enqueueCmd.Flags().DurationVar(&enqueueDelay, "delay", 0, "schedule the job this far in the future")
	rootCmd.AddCommand(enqueueCmd)
}
