package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/quasar/internal/agent"
	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/datastore"
	qgrpc "github.com/oriys/quasar/internal/grpc"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func daemonCmd() *cobra.Command {
	var (
		listen       string
		workerAddr   string
		maxChunkSize int
		concurrency  int
		backend      string
		redisAddr    string
		httpAddr     string
		logLevel     string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Magnetar agent daemon",
		Long:  "Serve quasar.Submitter and quasar.Agent, keep blobs in the data store and dispatch tasks to a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.DefaultConfig()
			if configFile != "" {
				var err error
				cfg, err = config.LoadFromFile(configFile)
				if err != nil {
					return fmt.Errorf("load config: %w", err)
				}
			}
			config.LoadFromEnv(cfg)

			if cmd.Flags().Changed("listen") {
				cfg.Agent.Listen = listen
			}
			if cmd.Flags().Changed("worker") {
				cfg.Agent.WorkerAddress = workerAddr
			}
			if cmd.Flags().Changed("max-chunk-size") {
				cfg.Agent.MaxChunkSize = maxChunkSize
			}
			if cmd.Flags().Changed("concurrency") {
				cfg.Agent.Concurrency = concurrency
			}
			if cmd.Flags().Changed("store") {
				cfg.Store.Backend = backend
			}
			if cmd.Flags().Changed("redis") {
				cfg.Store.Redis.Addr = redisAddr
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cfg.Observability.ServiceName == "" || cfg.Observability.ServiceName == "quasar" {
				cfg.Observability.ServiceName = "magnetar"
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			logging.InitStructured(cfg.Daemon.LogFormat, cfg.Daemon.LogLevel)

			if err := observability.Init(context.Background(), cfg.Observability); err != nil {
				return fmt.Errorf("init tracing: %w", err)
			}
			defer observability.Shutdown(context.Background())

			metrics.InitPrometheus(cfg.Metrics.Namespace, cfg.Metrics.Buckets)

			store, err := datastore.Open(cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			err = store.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return fmt.Errorf("data store %s unreachable: %w", cfg.Store.Backend, err)
			}
			logging.Op().Info("data store ready", "backend", cfg.Store.Backend)

			chunkCfg := chunk.Config{MaxChunkSize: cfg.Agent.MaxChunkSize}
			a, err := agent.New(store, chunkCfg, cfg.Store.TTL)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			if tiered, ok := store.(*datastore.Tiered); ok && tiered.Invalidator() != nil {
				inv := tiered.Invalidator()
				g.Go(func() error {
					inv.Start(ctx)
					return nil
				})
			}

			if cfg.Agent.WorkerAddress != "" {
				workerConn, err := qgrpc.Dial(cfg.Agent.WorkerAddress)
				if err != nil {
					return fmt.Errorf("dial worker %s: %w", cfg.Agent.WorkerAddress, err)
				}
				defer workerConn.Close()

				d, err := agent.NewDispatcher(ctx, workerConn, store, chunkCfg, cfg.Agent.Concurrency)
				if err != nil {
					return err
				}
				a.SetDispatcher(d)
				defer d.Wait()
			} else {
				logging.Op().Warn("no worker address configured, tasks stay pending")
			}

			srv := qgrpc.NewServer()
			srv.RegisterSubmitter(a)
			srv.RegisterAgent(a)

			lis, err := qgrpc.Listen(cfg.Agent.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Agent.Listen, err)
			}

			g.Go(func() error {
				logging.Op().Info("Magnetar agent started",
					"listen", cfg.Agent.Listen,
					"worker", cfg.Agent.WorkerAddress,
					"max_chunk_size", cfg.Agent.MaxChunkSize,
					"concurrency", cfg.Agent.Concurrency)
				return srv.Serve(lis)
			})

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				httpServer = &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: newHTTPHandler(a), ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					logging.Op().Info("HTTP endpoint started", "addr", cfg.Daemon.HTTPAddr)
					if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
			}

			g.Go(func() error {
				<-ctx.Done()
				logging.Op().Info("shutdown signal received")
				srv.Stop()
				if httpServer != nil {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					httpServer.Shutdown(shutdownCtx)
				}
				return nil
			})

			return g.Wait()
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Agent listen address")
	cmd.Flags().StringVar(&workerAddr, "worker", "", "Worker address tasks are dispatched to")
	cmd.Flags().IntVar(&maxChunkSize, "max-chunk-size", 0, "Maximum data chunk size in bytes")
	cmd.Flags().IntVar(&concurrency, "concurrency", 0, "Tasks dispatched in parallel")
	cmd.Flags().StringVar(&backend, "store", "", "Data store backend (memory, redis, tiered)")
	cmd.Flags().StringVar(&redisAddr, "redis", "", "Redis address")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address for /metrics, /stats and /tasks")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

func newHTTPHandler(a *agent.Agent) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.PrometheusHandler())
	mux.Handle("/stats", metrics.Global().JSONHandler())
	mux.HandleFunc("GET /tasks", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, a.TaskCounts())
	})
	mux.HandleFunc("GET /tasks/{id}", func(w http.ResponseWriter, r *http.Request) {
		task, ok := a.Task(r.PathValue("id"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, task)
	})
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
