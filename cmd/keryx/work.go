package main

import (
	"github.com/spf13/cobra"

	"github.com/keryx-io/keryx/core"
)

var workProcessors int

var workCmd = &cobra.Command{
	Use:   "work",
	Short: "Run a worker-only process draining the job queues",
	Long: `work runs the scheduler, the pub/sub receiver and the worker pool
without the web listener. Scale job throughput by running more of these
alongside one serve process.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []core.Option
		if cmd.Flags().Changed("processors") {
			opts = append(opts, core.WithTasks(true, workProcessors))
		}

		app, err := buildApp(core.RunModeWorker, opts...)
		if err != nil {
			return err
		}
		return app.Run(cmd.Context())
	},
}

func init() {
	workCmd.Flags().IntVar(&workProcessors, "processors", 0, "worker goroutines (overrides config)")
	rootCmd.AddCommand(workCmd)
}
