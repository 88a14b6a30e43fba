package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/oriys/quasar/internal/config"
	qgrpc "github.com/oriys/quasar/internal/grpc"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/metrics"
	"github.com/oriys/quasar/internal/observability"
	"github.com/oriys/quasar/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func daemonCmd() *cobra.Command {
	var (
		listen    string
		agentAddr string
		handler   string
		command   []string
		httpAddr  string
		logLevel  string
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the Pulsar worker daemon",
		Long:  "Serve quasar.Worker and upload task results to the agent",
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
				cfg.Worker.Listen = listen
			}
			if cmd.Flags().Changed("agent") {
				cfg.Worker.AgentAddress = agentAddr
			}
			if cmd.Flags().Changed("handler") {
				cfg.Worker.Handler = handler
			}
			if cmd.Flags().Changed("command") {
				cfg.Worker.Command = command
			}
			if cmd.Flags().Changed("http") {
				cfg.Daemon.HTTPAddr = httpAddr
			}
			if cmd.Flags().Changed("log-level") {
				cfg.Daemon.LogLevel = logLevel
			}
			if cfg.Observability.ServiceName == "" || cfg.Observability.ServiceName == "quasar" {
				cfg.Observability.ServiceName = "pulsar"
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

			if cfg.Worker.TaskLogFile != "" {
				if err := logging.Default().SetOutput(cfg.Worker.TaskLogFile); err != nil {
					return fmt.Errorf("open task log: %w", err)
				}
				defer logging.Default().Close()
			}

			h, err := buildHandler(cfg.Worker)
			if err != nil {
				return err
			}

			agentConn, err := qgrpc.Dial(cfg.Worker.AgentAddress)
			if err != nil {
				return fmt.Errorf("dial agent %s: %w", cfg.Worker.AgentAddress, err)
			}
			defer agentConn.Close()

			srv := qgrpc.NewServer()
			srv.RegisterWorker(worker.NewServer(h, agentConn, worker.WithHandlerName(cfg.Worker.Handler)))

			lis, err := qgrpc.Listen(cfg.Worker.Listen)
			if err != nil {
				return fmt.Errorf("listen %s: %w", cfg.Worker.Listen, err)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			g, ctx := errgroup.WithContext(ctx)

			g.Go(func() error {
				logging.Op().Info("Pulsar worker started",
					"listen", cfg.Worker.Listen,
					"agent", cfg.Worker.AgentAddress,
					"handler", cfg.Worker.Handler)
				return srv.Serve(lis)
			})

			var httpServer *http.Server
			if cfg.Daemon.HTTPAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", metrics.PrometheusHandler())
				mux.Handle("/stats", metrics.Global().JSONHandler())
				httpServer = &http.Server{Addr: cfg.Daemon.HTTPAddr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
				g.Go(func() error {
					logging.Op().Info("metrics endpoint started", "addr", cfg.Daemon.HTTPAddr)
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

	cmd.Flags().StringVar(&listen, "listen", "", "Worker listen address")
	cmd.Flags().StringVar(&agentAddr, "agent", "", "Agent address for result uploads")
	cmd.Flags().StringVar(&handler, "handler", "", "Task handler (echo, exec)")
	cmd.Flags().StringSliceVar(&command, "command", nil, "Command for the exec handler")
	cmd.Flags().StringVar(&httpAddr, "http", "", "HTTP address for /metrics and /stats")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level")

	return cmd
}

func buildHandler(cfg config.WorkerConfig) (worker.Handler, error) {
	switch cfg.Handler {
	case "echo":
		return worker.EchoHandler{}, nil
	case "exec":
		if len(cfg.Command) == 0 {
			return nil, errors.New("exec handler requires a command")
		}
		return &worker.ExecHandler{Command: cfg.Command, WorkDir: cfg.WorkDir}, nil
	default:
		return nil, fmt.Errorf("unknown handler %q", cfg.Handler)
	}
}
