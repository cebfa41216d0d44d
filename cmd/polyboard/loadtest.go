package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclaw/polyboard/internal/board/loadtest"
	"github.com/openclaw/polyboard/internal/board/store"
	"github.com/openclaw/polyboard/internal/board/syncctl"
	"github.com/openclaw/polyboard/internal/logging"
)

var loadtestCmd = &cobra.Command{
	Use:     "loadtest",
	GroupID: "maint",
	Short:   "Check that concurrent writers never lose an acknowledged task",
	Long: `Run concurrent clients against one sync controller.

Each client repeatedly reads the board, appends a task and writes back with
the version token it read, retrying on conflict. The run fails if any
acknowledged task is missing from the final board.

The run uses a scratch tasks.json unless --path is given.

Example usage:
  polyboard loadtest                             # 10 writers x 10 tasks
  polyboard loadtest --writers 50 --ops 20 --seed 1000`,
	Run: func(cmd *cobra.Command, args []string) {
		writers, _ := cmd.Flags().GetInt("writers")
		ops, _ := cmd.Flags().GetInt("ops")
		retries, _ := cmd.Flags().GetInt("retries")
		seed, _ := cmd.Flags().GetInt("seed")
		path, _ := cmd.Flags().GetString("path")

		if path == "" {
			dir, err := os.MkdirTemp("", "polyboard-loadtest-*")
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer os.RemoveAll(dir)
			path = filepath.Join(dir, "tasks.json")
		}

		st, err := store.NewWithConfig(path, &store.Config{Logger: logging.New("[store] ")})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		ctl, err := syncctl.New(st, &syncctl.Config{Logger: logging.New("[sync] ")})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("Running %d writers x %d tasks against %s\n\n", writers, ops, path)
		start := time.Now()
		report, err := loadtest.Run(cmd.Context(), ctl, loadtest.Config{
			Writers:      writers,
			OpsPerWriter: ops,
			MaxRetries:   retries,
			SeedTasks:    seed,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: load test failed: %v\n", err)
			os.Exit(1)
		}
		report.Print(os.Stdout)

		if !report.OK() {
			fmt.Fprintf(os.Stderr, "\nError: %d acknowledged writes lost\n", len(report.Lost))
			os.Exit(1)
		}
		fmt.Printf("\nNo lost writes (%v)\n", time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	defaults := loadtest.DefaultConfig()
	loadtestCmd.Flags().Int("writers", defaults.Writers, "Number of concurrent clients")
	loadtestCmd.Flags().Int("ops", defaults.OpsPerWriter, "Tasks added by each client")
	loadtestCmd.Flags().Int("retries", defaults.MaxRetries, "Conflict retries per task")
	loadtestCmd.Flags().Int("seed", 0, "Tasks written before the run")
	loadtestCmd.Flags().String("path", "", "tasks.json to run against (default: scratch file)")
	rootCmd.AddCommand(loadtestCmd)
}
