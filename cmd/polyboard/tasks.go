package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/openclaw/polyboard/internal/board/client"
	"github.com/openclaw/polyboard/internal/board/importer"
	"github.com/openclaw/polyboard/internal/board/reconcile"
	"github.com/openclaw/polyboard/internal/board/schema"
	"github.com/openclaw/polyboard/internal/board/store"
	"github.com/openclaw/polyboard/internal/board/syncctl"
	"github.com/openclaw/polyboard/internal/config"
	"github.com/openclaw/polyboard/internal/logging"
)

var tasksCmd = &cobra.Command{
	Use:     "tasks",
	GroupID: "tasks",
	Short:   "Inspect and edit the task board",
	Long: `Inspect and edit the mission-control task board.

By default commands work on tasks.json in the OpenClaw directory directly,
using the same conditional writes as the server. With --server they talk to
a running polyboard instead.`,
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks on the board",
	Run: func(cmd *cobra.Command, args []string) {
		status, _ := cmd.Flags().GetString("status")
		pipeline, _ := cmd.Flags().GetString("pipeline")

		ctx := cmd.Context()
		file, err := boardAPI(cmd).FetchTasks(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load tasks: %v\n", err)
			os.Exit(1)
		}

		var rows []schema.Task
		for _, t := range file.Tasks {
			if status != "" && string(t.Status) != status {
				continue
			}
			if pipeline != "" && string(t.Pipeline) != pipeline {
				continue
			}
			rows = append(rows, t)
		}
		if len(rows) == 0 {
			fmt.Println("No tasks found")
			return
		}
		fmt.Println(renderTasks(rows))
		fmt.Println(styleHelp.Render(fmt.Sprintf("%d of %d tasks, version %s", len(rows), len(file.Tasks), file.UpdatedAt)))
	},
}

var tasksExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the board as JSON, YAML or TOML",
	Long: `Write the whole board, including its version token, to stdout or a file.

Example usage:
  polyboard tasks export                       # JSON to stdout
  polyboard tasks export --format yaml -o board.yaml
  polyboard tasks export --format toml`,
	Run: func(cmd *cobra.Command, args []string) {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		file, err := boardAPI(cmd).FetchTasks(cmd.Context())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to load tasks: %v\n", err)
			os.Exit(1)
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			defer f.Close()
			w = f
		}
		if err := exportBoard(w, file, format); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	},
}

var tasksAddCmd = &cobra.Command{
	Use:   "add [title]",
	Short: "Add a task to the inbox",
	Long: `Add a task. Without a title on an interactive terminal a form asks for
the details.

Example usage:
  polyboard tasks add "Draft the weekly newsletter" --pipeline content
  polyboard tasks add --server http://127.0.0.1:3001 "Call back Acme" --priority high`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		opts, title, err := addOptions(cmd, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		task, err := addTask(ctx, boardAPI(cmd), title, opts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created task %s: %s\n", task.ID, task.Title)
	},
}

var tasksImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import tasks from a JSON array, tasks.json or JSONL file",
	Long: `Import tasks into the local board.

Records are repaired where possible (missing author or timestamps) and
reported when they cannot be. By default the board is replaced; --merge
keeps existing tasks and overwrites those with matching ids.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		merge, _ := cmd.Flags().GetBool("merge")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		backup, _ := cmd.Flags().GetBool("backup")

		ctl, err := localController(loadConfig())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		res, err := importer.Import(cmd.Context(), ctl, importer.Options{
			Path:   args[0],
			Merge:  merge,
			DryRun: dryRun,
			Backup: backup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if dryRun {
			fmt.Println("Dry run: no changes written")
		}
		fmt.Printf("Format:    %s\n", res.Format)
		fmt.Printf("Imported:  %d\n", res.Imported)
		if merge {
			fmt.Printf("Replaced:  %d\n", res.Replaced)
		}
		fmt.Printf("Board:     %d tasks\n", res.Total)
		if res.BackupCreated != "" {
			fmt.Printf("Backup:    %s\n", res.BackupCreated)
		}
		if !dryRun {
			fmt.Printf("Version:   %s\n", res.UpdatedAt)
		}
		for _, d := range res.Dropped {
			fmt.Fprintf(os.Stderr, "Warning: skipped record %d: %v\n", d.Index, d.Err)
		}
	},
}

// boardAPI returns the board the command works on: a remote server when
// --server is set, tasks.json otherwise.
func boardAPI(cmd *cobra.Command) reconcile.API {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	if server != "" {
		return client.New(server, token)
	}
	ctl, err := localController(loadConfig())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return localAPI{ctl: ctl}
}

func localController(cfg *config.Config) (*syncctl.Controller, error) {
	st, err := store.NewWithConfig(cfg.TasksPath(), &store.Config{Logger: logging.New("[store] ")})
	if err != nil {
		return nil, err
	}
	return syncctl.New(st, &syncctl.Config{Logger: logging.New("[sync] ")})
}

// localAPI serves the client protocol from an in-process controller.
type localAPI struct {
	ctl *syncctl.Controller
}

func (l localAPI) FetchTasks(ctx context.Context) (schema.TasksFile, error) {
	return l.ctl.Get(ctx), nil
}

func (l localAPI) SaveTasks(ctx context.Context, tasks []schema.Task, base string) (client.SaveResult, error) {
	res, err := l.ctl.Swap(ctx, base, tasks)
	if err != nil {
		var conflict *syncctl.ConflictError
		if errors.As(err, &conflict) {
			return client.SaveResult{}, &client.ConflictError{Current: conflict.Current}
		}
		return client.SaveResult{}, err
	}
	return client.SaveResult{Success: true, UpdatedAt: res.UpdatedAt}, nil
}

// addTask creates one task through a reconciler and saves it immediately.
func addTask(ctx context.Context, api reconcile.API, title string, opts reconcile.CreateOptions) (schema.Task, error) {
	rec := reconcile.New(api, &reconcile.Config{Logger: logging.New("[reconcile] ")})
	defer rec.Close()

	if err := rec.Load(ctx); err != nil {
		return schema.Task{}, err
	}
	loaded := rec.State().VersionToken

	task, err := rec.Create(title, opts)
	if err != nil {
		return schema.Task{}, err
	}
	rec.Flush(ctx)

	state := rec.State()
	if state.VersionToken == loaded {
		return schema.Task{}, fmt.Errorf("task was not saved")
	}
	for _, t := range state.Tasks {
		if t.ID == task.ID {
			return task, nil
		}
	}
	return schema.Task{}, fmt.Errorf("board changed while saving; task was not added")
}

func addOptions(cmd *cobra.Command, args []string) (reconcile.CreateOptions, string, error) {
	var title string
	if len(args) > 0 {
		title = args[0]
	}
	description, _ := cmd.Flags().GetString("description")
	pipeline, _ := cmd.Flags().GetString("pipeline")
	priority, _ := cmd.Flags().GetString("priority")
	assign, _ := cmd.Flags().GetString("assign")
	author, _ := cmd.Flags().GetString("by")
	tags, _ := cmd.Flags().GetStringSlice("tag")

	if title == "" {
		if !isTerminal(os.Stdin) {
			return reconcile.CreateOptions{}, "", fmt.Errorf("title is required")
		}
		if err := promptTask(&title, &description, &pipeline, &priority); err != nil {
			return reconcile.CreateOptions{}, "", err
		}
	}

	opts := reconcile.CreateOptions{
		Description: description,
		AssignedTo:  assign,
		CreatedBy:   author,
		Pipeline:    schema.Pipeline(pipeline),
		Priority:    schema.Priority(priority),
		Tags:        tags,
	}
	if strings.TrimSpace(title) == "" {
		return opts, "", fmt.Errorf("title is required")
	}
	if opts.Pipeline != "" && !opts.Pipeline.Valid() {
		return opts, "", fmt.Errorf("pipeline %q is not one of advisory, content, email, general", pipeline)
	}
	if opts.Priority != "" && !opts.Priority.Valid() {
		return opts, "", fmt.Errorf("priority %q is not one of low, medium, high, urgent", priority)
	}
	return opts, strings.TrimSpace(title), nil
}

// promptTask asks for the task details in an interactive form.
func promptTask(title, description, pipeline, priority *string) error {
	pipelines := make([]huh.Option[string], len(schema.Pipelines))
	for i, p := range schema.Pipelines {
		pipelines[i] = huh.NewOption(string(p), string(p))
	}
	priorities := []huh.Option[string]{huh.NewOption("none", "")}
	for _, p := range schema.Priorities {
		priorities = append(priorities, huh.NewOption(string(p), string(p)))
	}
	if *pipeline == "" {
		*pipeline = string(schema.PipelineGeneral)
	}

	form := huh.NewForm(huh.NewGroup(
		huh.NewInput().
			Title("Title").
			Value(title).
			Validate(func(s string) error {
				if strings.TrimSpace(s) == "" {
					return fmt.Errorf("title is required")
				}
				return nil
			}),
		huh.NewText().
			Title("Description").
			Value(description),
		huh.NewSelect[string]().
			Title("Pipeline").
			Options(pipelines...).
			Value(pipeline),
		huh.NewSelect[string]().
			Title("Priority").
			Options(priorities...).
			Value(priority),
	))
	if err := form.Run(); err != nil {
		return fmt.Errorf("prompt failed: %w", err)
	}
	return nil
}

func renderTasks(tasks []schema.Task) string {
	rows := make([][]string, len(tasks))
	for i, t := range tasks {
		rows[i] = []string{t.ID, t.Title, string(t.Status), string(t.Pipeline), string(t.Priority), t.AssignedTo}
	}
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("240"))).
		Headers("ID", "TITLE", "STATUS", "PIPELINE", "PRIORITY", "ASSIGNEE").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styleHeader
			}
			if col == 2 {
				return statusStyle(tasks[row].Status).Padding(0, 1)
			}
			return styleCell
		}).
		String()
}

func exportBoard(w io.Writer, file schema.TasksFile, format string) error {
	switch format {
	case "json", "":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(file)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(file); err != nil {
			return fmt.Errorf("failed to encode yaml: %w", err)
		}
		return enc.Close()
	case "toml":
		if err := toml.NewEncoder(w).Encode(file); err != nil {
			return fmt.Errorf("failed to encode toml: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown format %q (want json, yaml or toml)", format)
	}
}

func init() {
	tasksCmd.PersistentFlags().String("server", "", "URL of a running polyboard (default: edit tasks.json directly)")
	tasksCmd.PersistentFlags().String("token", os.Getenv("POLYBOARD_API_TOKEN"), "API token for --server")

	tasksListCmd.Flags().String("status", "", "Only tasks with this status")
	tasksListCmd.Flags().String("pipeline", "", "Only tasks in this pipeline")

	tasksExportCmd.Flags().StringP("format", "f", "json", "Output format: json, yaml or toml")
	tasksExportCmd.Flags().StringP("output", "o", "", "Write to file instead of stdout")

	tasksAddCmd.Flags().String("description", "", "Task description")
	tasksAddCmd.Flags().String("pipeline", "", "Pipeline: advisory, content, email or general")
	tasksAddCmd.Flags().String("priority", "", "Priority: low, medium, high or urgent")
	tasksAddCmd.Flags().String("assign", "", "Agent id to assign")
	tasksAddCmd.Flags().String("by", "", "Author recorded as createdBy (default: human)")
	tasksAddCmd.Flags().StringSlice("tag", nil, "Tag (repeatable)")

	tasksImportCmd.Flags().Bool("merge", false, "Keep existing tasks and overwrite matching ids")
	tasksImportCmd.Flags().Bool("dry-run", false, "Report what would be imported without writing")
	tasksImportCmd.Flags().Bool("backup", true, "Copy tasks.json aside before writing")

	tasksCmd.AddCommand(tasksListCmd, tasksExportCmd, tasksAddCmd, tasksImportCmd)
	rootCmd.AddCommand(tasksCmd)
}
