// Command keryx runs the sample application shipped with the framework: the
// full server, a worker-only process, or a one-shot job enqueue. Real
// projects import the framework packages and assemble their own binary; this
// one exists to try the framework out and to exercise it in deployments.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/keryx-io/keryx"
	"github.com/keryx-io/keryx/core"
	"github.com/keryx-io/keryx/demo"
)

var (
	configFile  string
	environment string
)

var rootCmd = &cobra.Command{
	Use:   "keryx",
	Short: "Multi-transport action server",
	Long: `keryx dispatches named actions uniformly across HTTP, WebSocket and a
Redis-backed job queue. Every subcommand reads the same layered
configuration: defaults, then the YAML file, then environment variables.`,
	Version:      keryx.Version,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The config loader reads these before options apply, which keeps
		// the precedence chain intact: defaults < file < env < options.
		if configFile != "" {
			if err := os.Setenv(core.EnvConfigFile, configFile); err != nil {
				return err
			}
		}
		if environment != "" {
			if err := os.Setenv(core.EnvKeryxEnv, environment); err != nil {
				return err
			}
		}
		return nil
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "",
		"YAML settings file (also "+core.EnvConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&environment, "env", "",
		"environment name (also "+core.EnvKeryxEnv+")")
}

// buildApp assembles an app for the given run mode with the sample actions
// installed.
func buildApp(mode core.RunMode, opts ...core.Option) (*keryx.App, error) {
	app, err := keryx.New(mode, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := demo.Install(app); err != nil {
		return nil, err
	}
	return app, nil
}
