// roasterd bridges a drum roaster's serial controller to MQTT, InfluxDB and
// a local HTTP API, and records roast logs in SQLite.
//
// Usage:
//
//	roasterd                  # same as "roasterd run"
//	roasterd run --config configs/config.yaml
//	roasterd ports
//	roasterd send 1 8 --port /dev/ttyUSB0 --wait 3s
//	roasterd version
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newRootCmd builds the command tree. Running the root command without a
// subcommand starts the service.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "roasterd",
		Short:         "Roaster controller bridge",
		Long:          "roasterd talks to a coffee roaster's serial controller, publishes its state and records roast logs.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "config file (default $ROASTER_CONFIG or "+defaultConfigPath+")")

	run := newRunCmd()
	root.RunE = run.RunE

	root.AddCommand(run, newPortsCmd(), newSendCmd(), newVersionCmd())
	return root
}

// configPath resolves the config file: --config, then ROASTER_CONFIG, then
// the default.
func configPath(cmd *cobra.Command) string {
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		return path
	}
	if path := os.Getenv("ROASTER_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the roasterd version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "roasterd %s (commit %s, built %s)\n", version, commit, date)
		},
	}
}
