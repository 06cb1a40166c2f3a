package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/docresearch/graphbridge/internal/config"
	"github.com/docresearch/graphbridge/internal/doctor"
	"github.com/docresearch/graphbridge/internal/events"
	"github.com/docresearch/graphbridge/internal/graphrag"
	"github.com/docresearch/graphbridge/internal/logging"
	"github.com/docresearch/graphbridge/internal/session"
	"github.com/docresearch/graphbridge/internal/state"
	"github.com/docresearch/graphbridge/internal/telemetry"
	"github.com/docresearch/graphbridge/internal/watch"
	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "dev"

func main() {
	if err := run(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := logging.New(ctx)
	if err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	defer func() {
		if closeErr := logger.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close logger: %v\n", closeErr)
		}
	}()

	if _, err := logging.PruneOldLogs(cfg.LogMaxFiles, cfg.LogMaxSizeBytes); err != nil {
		logger.Logger.With("error", err).Warn("log pruning failed")
	}

	shutdownTelemetry, err := telemetry.Init(ctx)
	if err != nil {
		return fmt.Errorf("initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	cmd := newRootCommand(ctx, cfg, logger.Logger)
	cmd.SetArgs(args)
	return cmd.ExecuteContext(ctx)
}

func newRootCommand(ctx context.Context, cfg *config.Config, logger *log.Logger) *cobra.Command {
	root := &cobra.Command{
		Use:           "graphbridge",
		Short:         "Knowledge-graph search bridge for document research",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}

	root.SetVersionTemplate("{{printf \"%s\\n\" .Version}}")
	root.AddCommand(
		newIndexCommand(cfg, logger),
		newLocalSearchCommand(cfg, logger),
		newGlobalSearchCommand(cfg, logger),
		newWatchCommand(cfg, logger),
		newDoctorCommand(cfg, logger),
		newBugreportCommand(logger),
	)

	root.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		if logger == nil {
			return errors.New("logger is required")
		}
		if cfg == nil {
			return errors.New("config is required")
		}
		logger.With("command", cmd.Name()).Debug("command invocation")
		return nil
	}

	_ = ctx
	return root
}

func newIndexCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "index [markdown files...]",
		Short: "Index markdown documents into the knowledge graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			files := args
			if len(files) == 0 {
				discovered, err := markdownFiles(cfg.InputDir)
				if err != nil {
					return err
				}
				files = discovered
			}

			runtime, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.close(cmd.Context())

			result, err := runtime.client.IndexDocuments(cmd.Context(), files, force)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "re-index documents even if already indexed")
	return cmd
}

func newLocalSearchCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	var topK int
	cmd := &cobra.Command{
		Use:   "local-search <query>",
		Short: "Answer a query from the neighborhood of matched entities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.close(cmd.Context())

			result, err := runtime.client.LocalSearch(cmd.Context(), args[0], topK)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().IntVar(&topK, "top-k", 0, "number of entities to retrieve (0 uses the configured default)")
	return cmd
}

func newGlobalSearchCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "global-search <query>",
		Short: "Answer a query from community summaries across the corpus",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			runtime, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.close(cmd.Context())

			result, err := runtime.client.GlobalSearch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newWatchCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Watch the input directory and re-index changed documents",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runtime, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.close(cmd.Context())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			watcher, err := watch.NewWatcher(cfg, func(ctx context.Context, files []string) {
				result, err := runtime.client.IndexDocuments(ctx, files, false)
				if err != nil {
					logger.With("error", err).Error("reindex failed")
					return
				}
				logger.With("status", result.Status, "files", len(files)).Info("reindex completed")
			}, watch.WithLogger(charmPrintf{logger}))
			if err != nil {
				return err
			}
			if err := watcher.Start(ctx); err != nil {
				return err
			}
			defer watcher.Stop()

			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s for markdown changes. Press Ctrl+C to stop.\n", cfg.InputDir)
			<-ctx.Done()
			return nil
		},
	}
}

func newDoctorCommand(cfg *config.Config, logger *log.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check the knowledge-server environment and session health",
		RunE: func(cmd *cobra.Command, _ []string) error {
			runtime, err := newRuntime(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.close(cmd.Context())

			manager, err := doctor.NewManager(cfg, runtime.supervisor, runtime.bus, doctor.Options{})
			if err != nil {
				return err
			}
			report, err := manager.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), report)
		},
	}
}

// runtime bundles the wired session stack behind each command.
type runtime struct {
	bus        *events.InMemoryBus
	supervisor *session.Supervisor
	client     *graphrag.Client
}

func newRuntime(cfg *config.Config, logger *log.Logger) (*runtime, error) {
	bus := events.New(events.WithLogger(charmPrintf{logger}))

	machine, err := state.NewMachine(&state.BusRecorder{Bus: bus})
	if err != nil {
		return nil, fmt.Errorf("build state machine: %w", err)
	}

	connector, err := session.NewStdioConnector(cfg, charmPrintf{logger})
	if err != nil {
		return nil, fmt.Errorf("build connector: %w", err)
	}

	supervisor, err := session.NewSupervisor(
		cfg,
		connector,
		session.WithLogger(charmPrintf{logger}),
		session.WithBus(bus),
		session.WithStateMachine(machine),
	)
	if err != nil {
		return nil, fmt.Errorf("build supervisor: %w", err)
	}

	client, err := graphrag.NewClient(
		cfg,
		supervisor,
		graphrag.WithLogger(charmPrintf{logger}),
		graphrag.WithBus(bus),
	)
	if err != nil {
		return nil, fmt.Errorf("build client: %w", err)
	}

	return &runtime{bus: bus, supervisor: supervisor, client: client}, nil
}

func (r *runtime) close(ctx context.Context) {
	r.supervisor.Cleanup(ctx)
}

// charmPrintf adapts the structured logger to the Printf sinks used by the
// internal packages.
type charmPrintf struct {
	logger *log.Logger
}

func (c charmPrintf) Printf(format string, args ...any) {
	if c.logger == nil {
		return
	}
	c.logger.Info(fmt.Sprintf(format, args...))
}

func markdownFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read input directory %s: %w", dir, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.EqualFold(filepath.Ext(entry.Name()), ".md") {
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no markdown files in %s", dir)
	}
	return files, nil
}

func printJSON(out io.Writer, value any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	encoder.SetEscapeHTML(false)
	if err := encoder.Encode(value); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
