// Command sector7g runs the job workers, the scheduler, or both.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "time/tzdata"

	// GOMEMLIMIT from the cgroup limit.
	_ "github.com/KimMachineGun/automemlimit"

	"github.com/spf13/cobra"

	"sector7g/internal/app"
	"sector7g/internal/config"
	logx "sector7g/pkg/logx"
)

// errUnhealthy exits non-zero without an extra error line.
var errUnhealthy = errors.New("unhealthy")

type globalFlags struct {
	config string
}

func main() {
	var g globalFlags
	root := &cobra.Command{
		Use:           "sector7g",
		Short:         "Multi-queue job workers and scheduler",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.PersistentFlags().StringVarP(&g.config, "config", "c", "", "config file (json or yaml); builtin defaults when empty")

	root.AddCommand(
		runCmd(&g),
		workerCmd(&g),
		schedulerCmd(&g),
		healthCmd(&g),
		migrateCmd(&g),
		schedulesCmd(&g),
		failedCmd(&g),
		enqueueCmd(&g),
		statusCmd(&g),
	)

	if err := root.Execute(); err != nil {
		if !errors.Is(err, errUnhealthy) {
			fmt.Fprintln(os.Stderr, "fatal:", err)
		}
		os.Exit(1)
	}
}

func loadConfig(g *globalFlags) (*config.Config, error) {
	o, err := config.LoadOverrides()
	if err != nil {
		return nil, err
	}
	return app.LoadConfig(g.config, o)
}

func cliLogger(cfg *config.Config) logx.Logger {
	lv := "warn"
	if cfg != nil && strings.EqualFold(cfg.Logging.Level, "debug") {
		lv = "debug"
	}
	return logx.NewConsole(lv)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// ---- long-running roles ----

func runCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run every queue worker and the scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), g, app.Options{Workers: true, Scheduler: true})
		},
	}
}

func workerCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "worker [queue...]",
		Short: "Run worker loops for the named queues (all when none given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), g, app.Options{Workers: true, Queues: args})
		},
	}
}

func schedulerCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler loop only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), g, app.Options{Scheduler: true, RequireScheduler: true})
		},
	}
}

func serve(parent context.Context, g *globalFlags, opts app.Options) error {
	if parent == nil {
		parent = context.Background()
	}
	o, err := config.LoadOverrides()
	if err != nil {
		return err
	}
	opts.ConfigPath = g.config
	opts.Overrides = o

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, opts)
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		_ = a.Stop(context.Background(), app.StopFatalError)
		return err
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopFatalError
	}
	stop()

	// Stop bounds each step itself; this only caps a wedged shutdown.
	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	_ = a.Stop(stopCtx, reason)
	if reason == app.StopFatalError {
		return a.Err()
	}
	return nil
}

// ---- one-shot commands ----

func healthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe broker reachability and queue configuration; exit 1 when unhealthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			o, err := config.LoadOverrides()
			if err != nil {
				return err
			}
			a, err := app.New(cmd.Context(), app.Options{ConfigPath: g.config, Overrides: o})
			if err != nil {
				return err
			}
			defer func() { _ = a.Stop(context.Background(), app.StopAppStop) }()

			rep := a.Health(cmd.Context())
			if err := printJSON(rep); err != nil {
				return err
			}
			if !rep.Healthy() {
				return errUnhealthy
			}
			return nil
		},
	}
}

func migrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schedule store migrations and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			v, err := app.Migrate(cmd.Context(), cfg, cliLogger(cfg))
			if err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Printf("schema version %d (%s)\n", v, cfg.Storage.Driver)
			return nil
		},
	}
}

func schedulesCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "schedules",
		Short: "List persisted schedule entries and their next occurrence",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			entries, err := app.ListSchedules(cmd.Context(), cfg, cliLogger(cfg))
			if err != nil {
				return err
			}
			return printJSON(entries)
		},
	}
}

func failedCmd(g *globalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "failed <queue>",
		Short: "Show dead-lettered jobs of a queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			jobs, err := app.ListFailed(cmd.Context(), cfg, args[0], limit, cliLogger(cfg))
			if err != nil {
				return err
			}
			return printJSON(jobs)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "max jobs to show")
	return cmd
}

func enqueueCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <queue> <handler> [json-payload]",
		Short: "Submit one job",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			var payload []byte
			if len(args) == 3 {
				if !json.Valid([]byte(args[2])) {
					return errors.New("payload is not valid JSON")
				}
				payload = []byte(args[2])
			}
			id, err := app.Enqueue(cmd.Context(), cfg, args[0], args[1], payload, cliLogger(cfg))
			if err != nil {
				return err
			}
			fmt.Println(id)
			return nil
		},
	}
}

func statusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status <job-id>",
		Short: "Show a job's state and result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(g)
			if err != nil {
				return err
			}
			st, err := app.Status(cmd.Context(), cfg, args[0], cliLogger(cfg))
			if err != nil {
				return err
			}
			return printJSON(st)
		},
	}
}
