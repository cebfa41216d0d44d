package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/openclaw/polyboard/internal/board/store"
	"github.com/openclaw/polyboard/internal/board/syncctl"
	"github.com/openclaw/polyboard/internal/config"
	"github.com/openclaw/polyboard/internal/daemon"
	"github.com/openclaw/polyboard/internal/dashboard"
	"github.com/openclaw/polyboard/internal/gateway"
	"github.com/openclaw/polyboard/internal/index"
	"github.com/openclaw/polyboard/internal/logging"
	"github.com/openclaw/polyboard/internal/metrics"
	"github.com/openclaw/polyboard/internal/presence"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "server",
	Short:   "Start the task board server",
	Long: `Start the HTTP server for the mission-control task board.

The server exposes:
  GET  /api/tasks          Board and version token
  PUT  /api/tasks          Conditional write ({tasks, baseUpdatedAt})
  GET  /api/tasks/stats    Counts by status, pipeline and assignee
  GET  /api/tasks/search   Filtered task list
  GET  /api/agents/{id}/*  Agent status, identity, memory, sessions
  POST /api/gateway/invoke Relay a tool call to the OpenClaw gateway
  GET  /ws                 Live updates (task_update, sync_complete, stats,
                           agent_status, gateway_connection)
  GET  /metrics            Prometheus metrics

tasks.json is watched, so edits made by agents directly on disk are pushed
to connected browsers.

Example usage:
  polyboard serve                      # Start on 127.0.0.1:3001
  polyboard serve --port 4000          # Start on a custom port
  polyboard serve --static ./dist      # Serve the built dashboard`,
	Run: runServe,
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().Int("port", 0, "Port to listen on (default from config, 3001)")
	cmd.Flags().String("host", "", "Host to bind (default from config, 127.0.0.1)")
	cmd.Flags().String("static", "", "Directory with the built dashboard")
}

func runServe(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Port = port
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Host = host
	}
	if static, _ := cmd.Flags().GetString("static"); static != "" {
		cfg.StaticDir = static
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logConfig := logging.DefaultConfig()
	logConfig.File = cfg.LogFile
	closeLog := logging.Setup(logConfig)
	defer func() { _ = closeLog() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := serve(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// serve runs every component until ctx is done.
func serve(ctx context.Context, cfg *config.Config) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	dir := cfg.OpenClaw()

	st, err := store.NewWithConfig(cfg.TasksPath(), &store.Config{Metrics: m, Logger: logging.New("[store] ")})
	if err != nil {
		return err
	}
	ctl, err := syncctl.New(st, &syncctl.Config{Metrics: m, Logger: logging.New("[sync] ")})
	if err != nil {
		return err
	}

	idx, err := index.Open(cfg.IndexPath)
	if err != nil {
		return err
	}
	defer idx.Close()

	relay, err := gateway.NewRelay(dir, &gateway.RelayConfig{
		AllowedTools: cfg.AllowedTools,
		Metrics:      m,
		Logger:       logging.New("[gateway] "),
	})
	if err != nil {
		return err
	}

	board := presence.NewBoard()
	server, err := dashboard.NewServer(&dashboard.Config{
		Host:       cfg.Host,
		Port:       cfg.Port,
		APIToken:   cfg.APIToken,
		StaticDir:  cfg.StaticDir,
		Controller: ctl,
		Index:      idx,
		Dir:        dir,
		Presence:   board,
		Relay:      relay,
		Gatherer:   registry,
		Metrics:    m,
		Logger:     logging.New("[dashboard] "),
	})
	if err != nil {
		return err
	}
	handler := dashboard.NewHandler(server, logging.New("[dashboard] "))
	sink := presence.Fanout{board, handler}

	d, err := daemon.NewWithConfig(st, idx, handler, &daemon.Config{
		DebounceInterval: cfg.WatchDebounce,
		Metrics:          m,
		Logger:           logging.New("[daemon] "),
	})
	if err != nil {
		return err
	}

	poller, err := presence.NewPoller(dir, sink, &presence.PollerConfig{
		Interval: cfg.StatusPollInterval,
		Logger:   logging.New("[presence] "),
	})
	if err != nil {
		return err
	}

	link, err := gateway.NewLink(dir, sink, &gateway.LinkConfig{
		ReconnectDelay: cfg.GatewayReconnectDelay,
		MaxAttempts:    uint64(cfg.GatewayReconnectAttempts),
		Metrics:        m,
		Logger:         logging.New("[gateway] "),
	})
	if err != nil {
		return err
	}

	if err := server.Start(); err != nil {
		return fmt.Errorf("failed to start dashboard: %w", err)
	}

	daemonErr := make(chan error, 1)
	go func() {
		daemonErr <- d.Start(ctx)
	}()
	poller.Start(ctx)
	link.Start(ctx)

	printBanner(cfg, server.GetAddr())

	// the daemon stops itself once ctx is done
	select {
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
		if err := <-daemonErr; err != nil {
			fmt.Fprintf(os.Stderr, "Error stopping watcher: %v\n", err)
		}
	case err := <-daemonErr:
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: tasks.json watcher stopped: %v\n", err)
		}
	}

	link.Stop()
	poller.Stop()
	if err := server.Stop(); err != nil {
		return err
	}
	fmt.Println("Server stopped")
	return nil
}

func printBanner(cfg *config.Config, addr string) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = strconv.Itoa(cfg.Port)
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	base := net.JoinHostPort(host, port)

	row := func(label, value string) string {
		return styleLabel.Render(label) + value
	}
	auth := "disabled"
	if cfg.APIToken != "" {
		auth = "bearer token"
	}
	lines := []string{
		styleTitle.Render("Polyboard " + Version),
		"",
		row("Board", "http://"+base+"/"),
		row("API", "http://"+base+"/api/tasks"),
		row("Live", "ws://"+base+"/ws"),
		row("Tasks", cfg.TasksPath()),
		row("Auth", auth),
	}
	if cfg.ConfigFile != "" {
		lines = append(lines, row("Config", cfg.ConfigFile))
	}
	fmt.Println(styleBanner.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	fmt.Println(styleHelp.Render("Press Ctrl+C to stop..."))
}

func init() {
	addServeFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}
