// Command polyboard serves the mission-control task board and manages its
// tasks.json from the command line.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openclaw/polyboard/internal/config"
)

// Version is set at build time.
var Version = "dev"

var (
	configFile string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "polyboard",
	Short: "Polyboard - mission-control task board for OpenClaw agents",
	Long: `Polyboard serves a shared task board for humans and OpenClaw agents.

Every client reads the board together with its version token and writes the
whole task list back with that token. A write based on a stale token is
rejected with the current board so the client can adopt it.

Running polyboard without a subcommand starts the server.`,
	Run:           runServe,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupColor(noColor)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "server", Title: "Server:"},
		&cobra.Group{ID: "tasks", Title: "Tasks:"},
		&cobra.Group{ID: "maint", Title: "Maintenance:"},
	)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default: polyboard.* in the OpenClaw directory)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	addServeFlags(rootCmd)
	rootCmd.Version = Version
}

// loadConfig reads configuration, exiting on failure.
func loadConfig() *config.Config {
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
