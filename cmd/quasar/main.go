package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/oriys/quasar/internal/chunk"
	"github.com/oriys/quasar/internal/config"
	"github.com/oriys/quasar/internal/frame"
	"github.com/oriys/quasar/internal/logging"
	"github.com/oriys/quasar/internal/sequencer"
	"github.com/oriys/quasar/internal/submitter"
	"github.com/spf13/cobra"
)

var (
	configFile string
	address    string
	session    string
	timeout    time.Duration
	verbose    bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "quasar",
		Short: "Quasar - chunked task and result transfer client",
		Long:  "Submit task batches, upload data and download results from a quasar agent",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := "warn"
			if verbose {
				level = "debug"
			}
			logging.InitStructured("text", level)
		},
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Path to config file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVarP(&address, "address", "a", "", "Agent address (host:port, unix:///path, vsock://cid:port)")
	rootCmd.PersistentFlags().StringVarP(&session, "session", "s", "", "Session ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Per-call timeout")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose logging")

	rootCmd.AddCommand(
		configCmd(),
		uploadCmd(),
		submitCmd(),
		downloadCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	config.LoadFromEnv(cfg)

	flags := cmd.Flags()
	if flags.Changed("address") {
		cfg.Client.Address = address
	}
	if flags.Changed("session") {
		cfg.Client.Session = session
	}
	if flags.Changed("timeout") {
		cfg.Client.Timeout = timeout
	}
	return cfg, nil
}

func getClient(cfg *config.Config) (*submitter.Client, error) {
	return submitter.Dial(cfg.Client.Address, submitter.WithTimeout(cfg.Client.Timeout))
}

func requireSession(cfg *config.Config) error {
	if cfg.Client.Session == "" {
		return errors.New("a session is required (--session or QUASAR_SESSION)")
	}
	return nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Show the agent's service configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			client, err := getClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()
			svc, err := client.Configuration(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Address:\t%s\n", cfg.Client.Address)
			fmt.Fprintf(w, "Max chunk size:\t%d bytes\n", svc.DataChunkMaxSize)
			return w.Flush()
		},
	}
}

func uploadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "upload <key>=<file> [<key>=<file>...]",
		Short: "Upload data blobs into a session",
		Long:  "Upload files as named blobs. A file of \"-\" reads standard input.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireSession(cfg); err != nil {
				return err
			}

			uploads := make([]sequencer.ResultUpload, 0, len(args))
			for _, arg := range args {
				key, path, ok := strings.Cut(arg, "=")
				if !ok || key == "" || path == "" {
					return fmt.Errorf("invalid upload %q (want key=file)", arg)
				}
				src, closeFn, err := openSource(path)
				if err != nil {
					return err
				}
				defer closeFn()
				uploads = append(uploads, sequencer.ResultUpload{Key: key, Data: src})
			}

			client, err := getClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()
			keys, err := client.UploadData(ctx, cfg.Client.Session, uploads...)
			if err != nil {
				return err
			}
			for _, k := range keys {
				fmt.Println(k)
			}
			return nil
		},
	}
	return cmd
}

func submitCmd() *cobra.Command {
	var (
		tasksFile   string
		payload     string
		payloadFile string
		outputs     []string
		deps        []string
		maxDuration time.Duration
		priority    int32
		options     []string
	)

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a batch of tasks",
		Long: `Submit a single task described by flags, or a batch described by a
tasks file (JSON or YAML). The session is created on the fly when none
is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			var specs []taskSpec
			if tasksFile != "" {
				specs, err = loadTaskFile(tasksFile)
				if err != nil {
					return err
				}
			} else {
				if len(outputs) == 0 {
					return errors.New("at least one --output key is required")
				}
				specs = []taskSpec{{
					Payload:     payload,
					PayloadFile: payloadFile,
					Outputs:     outputs,
					Deps:        deps,
				}}
			}

			source, closeFn, err := newSpecSource(specs)
			if err != nil {
				return err
			}
			defer closeFn()

			opts := &frame.TaskOptions{
				MaxDuration: cfg.Client.MaxDuration,
				MaxRetries:  cfg.Client.MaxRetries,
				Priority:    cfg.Client.Priority,
				PartitionID: cfg.Client.PartitionID,
			}
			if cmd.Flags().Changed("max-duration") {
				opts.MaxDuration = maxDuration
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = priority
			}
			if len(options) > 0 {
				opts.Options, err = parseKeyValues(options)
				if err != nil {
					return err
				}
			}

			if cfg.Client.Session == "" {
				cfg.Client.Session = uuid.New().String()
			}

			client, err := getClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()
			ids, err := client.CreateTasks(ctx, cfg.Client.Session, opts, source)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "SESSION\t%s\n", cfg.Client.Session)
			fmt.Fprintln(w, "TASK\tOUTPUTS")
			for i, id := range ids {
				fmt.Fprintf(w, "%s\t%s\n", id, strings.Join(specs[i].Outputs, ","))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&tasksFile, "file", "f", "", "Tasks file (JSON or YAML)")
	cmd.Flags().StringVarP(&payload, "payload", "p", "", "Inline task payload")
	cmd.Flags().StringVar(&payloadFile, "payload-file", "", "Read the task payload from a file (\"-\" for stdin)")
	cmd.Flags().StringSliceVarP(&outputs, "output", "o", nil, "Expected output key (repeatable)")
	cmd.Flags().StringSliceVarP(&deps, "dep", "d", nil, "Data dependency key (repeatable)")
	cmd.Flags().DurationVar(&maxDuration, "max-duration", 0, "Maximum task duration")
	cmd.Flags().Int32Var(&priority, "priority", 0, "Task priority")
	cmd.Flags().StringArrayVar(&options, "option", nil, "Task option (KEY=VALUE)")

	return cmd
}

func downloadCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "download <key>",
		Short: "Download a result blob",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireSession(cfg); err != nil {
				return err
			}

			client, err := getClient(cfg)
			if err != nil {
				return err
			}
			defer client.Close()

			ctx, cancel := signalContext()
			defer cancel()
			data, err := client.DownloadResult(ctx, cfg.Client.Session, args[0])
			if err != nil {
				return err
			}

			if output == "" || output == "-" {
				_, err = os.Stdout.Write(data)
				return err
			}
			if err := os.WriteFile(output, data, 0644); err != nil {
				return fmt.Errorf("write %s: %w", output, err)
			}
			fmt.Fprintf(os.Stderr, "wrote %d bytes to %s\n", len(data), output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "Write the blob to a file instead of stdout")
	return cmd
}

// openSource returns a ByteSource over path; "-" is standard input.
func openSource(path string) (chunk.ByteSource, func(), error) {
	if path == "-" {
		return chunk.Reader(os.Stdin), func() {}, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil, err
	}
	src := chunk.File(path)
	return src, func() { src.Close() }, nil
}

func parseKeyValues(pairs []string) (map[string]string, error) {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid option %q (want KEY=VALUE)", p)
		}
		out[k] = v
	}
	return out, nil
}
