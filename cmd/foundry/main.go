package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryci/foundry/internal/agentdir"
	"github.com/foundryci/foundry/internal/dispatch"
	"github.com/foundryci/foundry/internal/event"
	"github.com/foundryci/foundry/internal/graph"
	"github.com/foundryci/foundry/internal/jobstore"
	"github.com/foundryci/foundry/internal/observability"
	"github.com/foundryci/foundry/internal/server"
)

var logLevel string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foundry",
	Short: "Build graph scheduling and dispatch for agent farms",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		observability.SetupLogging(logLevel)
	},
}

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the foundry server",
	RunE:  runServer,
}

var (
	bindAddr        string
	dataDir         string
	graphStore      string
	refreshInterval time.Duration
	shutdownTimeout time.Duration
	poolFlags       []string
	agentTypeFlags  []string
	otelEnabled     bool
	otelEndpoint    string
)

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	serverCmd.Flags().StringVar(&bindAddr, "bind", ":8080", "HTTP server bind address")
	serverCmd.Flags().StringVar(&dataDir, "data-dir", "data", "Directory for database files")
	serverCmd.Flags().StringVar(&graphStore, "graph-store", "badger", "Graph store backend: badger or pebble")
	serverCmd.Flags().DurationVar(&refreshInterval, "refresh-interval", dispatch.DefaultRefreshInterval, "Dispatch queue refresh interval")
	serverCmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 5*time.Second, "Graceful HTTP shutdown timeout")
	serverCmd.Flags().StringArrayVar(&poolFlags, "pool", nil, "Agent pool, id or id=condition (repeatable), e.g. --pool pool-linux=os=linux")
	serverCmd.Flags().StringArrayVar(&agentTypeFlags, "agent-type", nil, "Agent type binding stream/type=pool[@workspace] (repeatable), e.g. --agent-type ue5-main/Linux=pool-linux@ws-ue5")
	serverCmd.Flags().BoolVar(&otelEnabled, "otel-enabled", false, "Enable OpenTelemetry tracing")
	serverCmd.Flags().StringVar(&otelEndpoint, "otel-endpoint", "", "OTLP HTTP endpoint (host:port) for traces; if empty uses stdout exporter")

	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	slog.Info("starting foundry server",
		"bind", bindAddr,
		"data_dir", dataDir,
		"graph_store", graphStore,
		"refresh_interval", refreshInterval,
		"pools", len(poolFlags),
		"agent_types", len(agentTypeFlags),
		"otel_enabled", otelEnabled,
	)

	otelShutdown, err := observability.InitTracer(otelEnabled, "foundry-server", otelEndpoint)
	if err != nil {
		return fmt.Errorf("init otel: %w", err)
	}
	defer func() {
		if err := otelShutdown(context.Background()); err != nil {
			slog.Warn("otel shutdown error", "error", err)
		}
	}()

	db, err := jobstore.OpenDB(dataDir)
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	defer db.Close()

	graphs, err := graph.OpenStore(graphStore, dataDir)
	if err != nil {
		return fmt.Errorf("open graph store: %w", err)
	}
	defer graphs.Close()
	graphs = graph.NewCachingStore(graphs)

	agents := agentdir.NewMemory()
	if err := configureFleet(agents, poolFlags, agentTypeFlags); err != nil {
		return err
	}

	events := event.NewFanout(event.DefaultBuffer)
	defer events.Close()

	coord := jobstore.NewCoordinator(jobstore.NewSQLite(db), graphs, events, slog.Default())
	queue := dispatch.New(coord, agents, slog.Default(), refreshInterval)
	coord.SetNotifier(queue)

	refreshCtx, stopRefresh := context.WithCancel(context.Background())
	defer stopRefresh()
	go queue.Run(refreshCtx)

	srv := server.New(coord, graphs, agents, queue, events, slog.Default(), bindAddr)
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		slog.Info("received shutdown signal", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "error", err)
	}
	return nil
}

// configureFleet seeds the directory from --pool and --agent-type flags.
func configureFleet(agents *agentdir.Memory, pools, bindings []string) error {
	for _, spec := range pools {
		id, condition, _ := strings.Cut(spec, "=")
		if id == "" {
			return fmt.Errorf("invalid --pool %q", spec)
		}
		agents.AddPool(agentdir.Pool{ID: id, Condition: condition})
	}
	for _, spec := range bindings {
		streamAndType, target, ok := strings.Cut(spec, "=")
		stream, agentType, ok2 := strings.Cut(streamAndType, "/")
		if !ok || !ok2 || stream == "" || agentType == "" || target == "" {
			return fmt.Errorf("invalid --agent-type %q (want stream/type=pool[@workspace])", spec)
		}
		pool, workspace, _ := strings.Cut(target, "@")
		agents.Bind(stream, agentdir.Binding{
			AgentType: agentType,
			PoolID:    pool,
			Workspace: workspace,
		})
	}
	return nil
}
