package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/giggle/lingo/pkg/agent"
	"github.com/giggle/lingo/pkg/broker"
	"github.com/giggle/lingo/pkg/config"
	"github.com/giggle/lingo/pkg/dispatcher"
	"github.com/giggle/lingo/pkg/events"
	"github.com/giggle/lingo/pkg/lock"
	"github.com/giggle/lingo/pkg/log"
	"github.com/giggle/lingo/pkg/metrics"
	"github.com/giggle/lingo/pkg/reconciler"
	"github.com/giggle/lingo/pkg/registry"
	"github.com/giggle/lingo/pkg/storage"
	"github.com/giggle/lingo/pkg/types"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "lingod",
	Short: "Lingo - task dispatch for the Giggle translation platform",
	Long: `Lingo is the scheduling core of the Giggle speech translation
platform. It dispatches transcription and translation tasks onto a
fleet of worker nodes, tracks node health through broker heartbeats,
and recovers tasks stranded on dead workers.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Lingo version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(nodeCmd)
}

// loadConfig reads the config file (if any) and initializes logging
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogJSON,
	})
	metrics.SetVersion(Version)
	return cfg, nil
}

func openBroker(ctx context.Context, cfg *config.Config) (broker.Broker, error) {
	return broker.NewRedisBroker(ctx, broker.RedisOptions{
		Addr:     cfg.Broker.Addr(),
		Password: cfg.Broker.Password,
		DB:       cfg.Broker.DB,
	})
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	switch cfg.Database.Driver {
	case "bolt":
		return storage.NewBoltStore(cfg.Database.BoltPath)
	default:
		return storage.NewMySQLStore(ctx, cfg.Database.DSN())
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatch service",
	Long: `Run the scheduler: the synchronous dispatch path, the pending
queue drain, the stuck-task reclaimer, and the node membership
reconciler. Any number of instances may run against the same broker
and database.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		b, err := openBroker(ctx, cfg)
		if err != nil {
			metrics.RegisterComponent("broker", false, err.Error())
			return err
		}
		defer b.Close()
		metrics.RegisterComponent("broker", true, "")

		store, err := openStore(ctx, cfg)
		if err != nil {
			metrics.RegisterComponent("database", false, err.Error())
			return err
		}
		defer store.Close()
		metrics.RegisterComponent("database", true, "")

		locks := lock.NewService(b)
		bus := events.NewBus()
		bus.Start()
		defer bus.Stop()
		sub := watchEvents(bus)
		defer bus.Unsubscribe(sub)

		reg := registry.New(b, store, locks, registry.Config{
			LivenessWindow:  cfg.Dispatch.LivenessWindow.Std(),
			NodeCapacity:    cfg.Dispatch.NodeCapacity,
			SelectionShards: cfg.Dispatch.SelectionShards,
		})

		disp := dispatcher.New(store, b, reg, locks, bus, dispatcher.Config{
			PendingDrainInterval: cfg.Dispatch.PendingDrainInterval.Std(),
			ReclaimInterval:      cfg.Dispatch.ReclaimInterval.Std(),
			StuckThreshold:       cfg.Dispatch.StuckThreshold.Std(),
			NodeCapacity:         cfg.Dispatch.NodeCapacity,
			MaxRetryAttempts:     cfg.Dispatch.MaxRetryAttempts,
		})
		disp.Start()
		defer disp.Stop()

		recon := reconciler.New(b, reg, bus, reconciler.Config{})
		recon.Start()
		defer recon.Stop()

		httpServer := serveMetrics(cfg.MetricsAddr)
		log.Logger.Info().
			Str("version", Version).
			Str("metrics_addr", cfg.MetricsAddr).
			Msg("Dispatch service running")

		waitForSignal()

		log.Logger.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	},
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run a worker node agent",
	Long: `Run the worker-side agent: register this node in the broker,
heartbeat host stats, and consume the node's work and control queues.

Task execution is delegated to an external worker command. The command
receives the work message as JSON on stdin and prints a result JSON
object ({"resultPath": ..., "transcribedText": ..., "accuracy": ...})
on stdout; a non-zero exit fails the task.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		workerCmd, _ := cmd.Flags().GetString("worker-cmd")
		handler, err := execHandler(workerCmd)
		if err != nil {
			return fmt.Errorf("--worker-cmd: %w", err)
		}

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := context.Background()

		b, err := openBroker(ctx, cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		store, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		a := agent.New(b, store, handler, cfg.Agent)
		if err := a.Start(ctx); err != nil {
			return err
		}

		waitForSignal()

		log.Logger.Info().Msg("Draining agent")
		drainCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		a.Stop(drainCtx)
		return nil
	},
}

func init() {
	agentCmd.Flags().String("worker-cmd", "", "Command executed per task (reads work JSON on stdin)")
}

// execHandler runs one external process per task
func execHandler(command string) (agent.Handler, error) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return nil, fmt.Errorf("worker command is empty")
	}
	return agent.HandlerFunc(func(ctx context.Context, msg *types.WorkMessage) (*agent.Result, error) {
		input, err := json.Marshal(msg)
		if err != nil {
			return nil, err
		}

		cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
		cmd.Stdin = strings.NewReader(string(input))
		cmd.Stderr = os.Stderr
		output, err := cmd.Output()
		if err != nil {
			return nil, fmt.Errorf("worker command failed: %w", err)
		}

		var result agent.Result
		if len(output) > 0 {
			var wire struct {
				ResultPath      string  `json:"resultPath"`
				TranscribedText string  `json:"transcribedText"`
				Accuracy        float64 `json:"accuracy"`
			}
			if err := json.Unmarshal(output, &wire); err != nil {
				return nil, fmt.Errorf("worker command produced invalid result: %w", err)
			}
			result = agent.Result{
				ResultPath:      wire.ResultPath,
				TranscribedText: wire.TranscribedText,
				Accuracy:        wire.Accuracy,
			}
		}
		return &result, nil
	}), nil
}

// watchEvents drains scheduler lifecycle events into the log
func watchEvents(bus *events.Bus) events.Subscriber {
	sub := bus.Subscribe()
	logger := log.WithComponent("events")
	go func() {
		for event := range sub {
			entry := logger.Info().Str("event", string(event.Type))
			for k, v := range event.Metadata {
				entry = entry.Str(k, v)
			}
			entry.Msg(event.Message)
		}
	}()
	return sub
}

// serveMetrics exposes /metrics, /health and /ready
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/health", metrics.HealthHandler())
	mux.HandleFunc("/ready", metrics.ReadyHandler())

	server := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	return server
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
