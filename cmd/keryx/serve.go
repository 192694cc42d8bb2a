package main

import (
	"github.com/spf13/cobra"

	"github.com/keryx-io/keryx/core"
)

var (
	servePort int
	serveHost string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the full server: web, WebSocket, pub/sub, scheduler and workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts []core.Option
		if cmd.Flags().Changed("port") {
			opts = append(opts, core.WithWebPort(servePort))
		}
		if cmd.Flags().Changed("host") {
			opts = append(opts, core.WithWebHost(serveHost))
		}

		app, err := buildApp(core.RunModeServer, opts...)
		if err != nil {
			return err
		}
		return app.Run(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "web server port (overrides config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "web server bind host (overrides config)")
	rootCmd.AddCommand(serveCmd)
}
