package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nuscape/windows-agent/internal/agent"
	"github.com/nuscape/windows-agent/internal/auth"
	"github.com/nuscape/windows-agent/internal/collectors"
	"github.com/nuscape/windows-agent/internal/config"
	"github.com/nuscape/windows-agent/internal/logging"
	"github.com/nuscape/windows-agent/internal/manager"
	"github.com/nuscape/windows-agent/internal/metrics"
	"github.com/nuscape/windows-agent/internal/observability"
	"github.com/nuscape/windows-agent/internal/probes"
	"github.com/nuscape/windows-agent/internal/storage"
	"github.com/nuscape/windows-agent/internal/uploader"
)

var (
	dataDir  string
	logLevel string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "nuscape-agent",
		Short: "NuScape Windows usage agent",
		Long:  "Background agent that tracks foreground app usage and network counters and uploads them to the NuScape backend",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logLevel
			if level == "" {
				level = os.Getenv("NUSCAPE_LOG_LEVEL")
			}
			if level != "" {
				logging.SetLevelFromString(level)
			}
		},
	}

	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "Agent state directory (default: per-user app data)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(registerCmd())
	rootCmd.AddCommand(setAPICmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(uploadCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app bundles the durable stores every command operates on.
type app struct {
	paths    *storage.Paths
	config   *config.Store
	devices  *config.DeviceStore
	tokens   *auth.TokenStore
	queue    *storage.QueueStore
	counters *storage.CounterStore
}

func openApp() (*app, error) {
	var paths *storage.Paths
	var err error
	if dataDir != "" {
		paths, err = storage.NewPathsAt(dataDir)
	} else {
		paths, err = storage.NewPaths()
	}
	if err != nil {
		return nil, fmt.Errorf("resolve data directory: %w", err)
	}

	configStore, err := config.NewStore(paths)
	if err != nil {
		return nil, err
	}
	deviceStore, err := config.NewDeviceStore(paths)
	if err != nil {
		return nil, err
	}
	tokenStore, err := auth.NewTokenStore(paths)
	if err != nil {
		return nil, err
	}
	queue, err := storage.NewQueueStore(paths)
	if err != nil {
		return nil, err
	}
	counters, err := storage.NewCounterStore(paths)
	if err != nil {
		return nil, err
	}
	return &app{
		paths:    paths,
		config:   configStore,
		devices:  deviceStore,
		tokens:   tokenStore,
		queue:    queue,
		counters: counters,
	}, nil
}

func runCmd() *cobra.Command {
	var metricsAddr string
	var journalPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent loops until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp()
			if err != nil {
				return err
			}
			if base := os.Getenv("NUSCAPE_API_BASE"); base != "" {
				if err := a.config.SetAPIBase(base); err != nil {
					return fmt.Errorf("apply NUSCAPE_API_BASE: %w", err)
				}
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			metrics.InitPrometheus("nuscape_agent")
			if metricsAddr != "" {
				go serveMetrics(metricsAddr)
			}

			otelEndpoint := os.Getenv("NUSCAPE_OTEL_ENDPOINT")
			if err := observability.Init(ctx, observability.Config{
				Enabled:     otelEndpoint != "",
				Endpoint:    otelEndpoint,
				ServiceName: "nuscape-agent",
				SampleRate:  1,
			}); err != nil {
				logging.Op().Warn("tracing disabled", "error", err)
			}

			tracker := collectors.NewSessionTracker(probes.ForegroundPackage)
			network := collectors.NewNetworkCollector(a.counters, probes.InterfaceTable)
			statusProvider := collectors.NewStatusProvider(probes.Status)
			mgr := manager.New(tracker, network, statusProvider, a.devices, a.queue)
			up := uploader.New(a.config, a.tokens, a.queue)

			if journalPath != "" {
				journal, err := logging.NewJournal(journalPath)
				if err != nil {
					return fmt.Errorf("open upload journal: %w", err)
				}
				defer journal.Close()
				up.SetJournal(journal)
			}

			// Registration is best-effort: a device without connectivity still
			// tracks locally and uploads once registration succeeds later.
			if err := auth.EnsureRegistered(ctx, a.config, a.tokens, a.devices); err != nil {
				logging.Op().Warn("registration deferred", "error", err)
			}

			runtime := agent.NewRuntime(tracker, mgr, up)
			runtime.Start(ctx)
			logging.Op().Info("agent running", "data_dir", a.paths.Root())

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutdown signal received")

			runtime.Stop()
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer flushCancel()
			runtime.Flush(flushCtx)
			if err := observability.Shutdown(flushCtx); err != nil {
				logging.Op().Warn("tracing shutdown failed", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. 127.0.0.1:9090)")
	cmd.Flags().StringVar(&journalPath, "journal", "", "Append upload outcomes to this JSON-lines file")
	return cmd
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	logging.Op().Info("metrics listener starting", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logging.Op().Error("metrics listener failed", "error", err)
	}
}
