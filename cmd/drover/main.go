package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/condition"
	"github.com/droverhq/drover/pkg/config"
	"github.com/droverhq/drover/pkg/events"
	"github.com/droverhq/drover/pkg/flow"
	"github.com/droverhq/drover/pkg/forge"
	"github.com/droverhq/drover/pkg/guard"
	"github.com/droverhq/drover/pkg/jobs"
	"github.com/droverhq/drover/pkg/journal"
	"github.com/droverhq/drover/pkg/log"
	"github.com/droverhq/drover/pkg/metrics"
	"github.com/droverhq/drover/pkg/pool"
	"github.com/droverhq/drover/pkg/result"
	"github.com/droverhq/drover/pkg/sandbox"
	"github.com/droverhq/drover/pkg/scheduler"
	"github.com/droverhq/drover/pkg/spawn"
	"github.com/droverhq/drover/pkg/step"
	"github.com/droverhq/drover/pkg/store"
	"github.com/droverhq/drover/pkg/types"
	"github.com/droverhq/drover/pkg/vcs"
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
	Use:   "drover",
	Short: "Drover - tick-driven agent orchestrator",
	Long: `Drover turns a task queue into merged pull requests by herding
LLM worker processes through a guarded, auditable state machine.

Each invocation of 'drover tick' runs one scheduling cycle: poll the
store, run housekeeping, evaluate blueprints, spawn workers. Run it
from cron or a timer, or use 'drover run' for a built-in loop.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Drover version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/drover/drover.yaml", "Path to config file")

	rootCmd.AddCommand(tickCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(statusCmd)
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduling cycle",
	Long: `Run exactly one tick: poll the store, run due housekeeping jobs,
evaluate every blueprint through the guard chain, and spawn workers for
the ones that pass.

Exits 0 when the tick completes or another tick already holds the lock.
Exits nonzero only on configuration errors, so a crontab entry surfaces
a broken flow file without paging on transient store hiccups.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		err = rt.Scheduler.Tick(ctx)
		if errors.Is(err, scheduler.ErrTickActive) {
			return nil
		}
		return err
	},
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the scheduler loop",
	Long: `Run ticks continuously at the configured interval until interrupted.
Serves Prometheus metrics when metrics_addr is set.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := buildRuntime(configPath)
		if err != nil {
			return err
		}
		defer rt.Close()

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		rt.Broker.Start()
		defer rt.Broker.Stop()
		go logEvents(ctx, rt.Broker)

		if rt.Config.MetricsAddr != "" {
			go serveMetrics(rt.Config.MetricsAddr)
		}

		logger := log.WithComponent("main")
		logger.Info().
			Str("orchestrator_id", rt.Config.OrchestratorID).
			Dur("interval", rt.Config.RunInterval).
			Msg("scheduler loop started")

		ticker := time.NewTicker(rt.Config.RunInterval)
		defer ticker.Stop()

		for {
			if err := rt.Scheduler.Tick(ctx); err != nil && !errors.Is(err, scheduler.ErrTickActive) {
				if errors.Is(err, scheduler.ErrConfig) {
					return err
				}
				logger.Error().Err(err).Msg("tick failed")
			}

			select {
			case <-ctx.Done():
				logger.Info().Msg("scheduler loop stopped")
				return nil
			case <-ticker.C:
			}
		}
	},
	SilenceUsage: true,
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration, blueprints, and flows",
	Long: `Load the config file, the blueprint definitions, and every flow in
the flows directory, running the same validation a tick would. Exits
nonzero on the first problem found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		initLogging(cfg)

		blueprints, err := config.LoadBlueprints(cfg.BlueprintsFile)
		if err != nil {
			return err
		}

		registry := step.NewRegistry()
		step.RegisterBuiltins(registry, step.Deps{})
		flows := config.NewFlowSet(cfg.FlowsDir, flow.ValidateOptions{
			KnownStep:  registry.Known,
			KnownAgent: blueprintSet(blueprints),
		})
		if err := flows.ValidateAll(blueprints); err != nil {
			return err
		}

		names, err := flows.Names()
		if err != nil {
			return err
		}
		fmt.Printf("✓ Configuration valid: %d blueprints, %d flows\n", len(blueprints), len(names))
		return nil
	},
	SilenceUsage: true,
}

// runtime holds the fully wired orchestrator
type runtime struct {
	Config    *config.Config
	Scheduler *scheduler.Scheduler
	Broker    *events.Broker
	Pool      *pool.Pool
	Journal   *journal.Journal
	State     *jobs.StateFile
}

func (rt *runtime) Close() {
	if rt.Journal != nil {
		rt.Journal.Close()
	}
}

// buildRuntime wires every component from the configuration. Construction
// touches only the local filesystem; the store is first contacted inside a
// tick.
func buildRuntime(path string) (*runtime, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	initLogging(cfg)

	st, err := store.NewClient(store.Config{
		BaseURL:        cfg.StoreURL,
		OrchestratorID: cfg.OrchestratorID,
		Timeout:        cfg.StoreTimeout,
	})
	if err != nil {
		return nil, err
	}

	git := vcs.NewRepo(cfg.RepoRoot, vcs.ExecRunner)
	gh := forge.NewGHClient(cfg.RepoRoot, forge.ExecRunner)

	sandboxes, err := sandbox.NewManager(sandbox.Config{
		BaseDir:     cfg.SandboxDir,
		Remote:      cfg.Remote,
		Interpreter: cfg.Interpreter,
	}, git)
	if err != nil {
		return nil, err
	}

	workers, err := pool.NewPool(cfg.PoolDir())
	if err != nil {
		return nil, err
	}

	jrnl, err := journal.Open(cfg.DataDir())
	if err != nil {
		return nil, err
	}

	registry := step.NewRegistry()
	step.RegisterBuiltins(registry, step.Deps{
		Store:       st,
		Git:         git,
		Forge:       gh,
		Remote:      cfg.Remote,
		TestCommand: splitCommand(cfg.TestCommand),
	})

	// Blueprints reload every tick so edits apply without a restart. The
	// flow validator checks agent references against the same load.
	agents := map[string]bool{}
	blueprintSource := func() ([]*types.Blueprint, error) {
		bps, err := config.LoadBlueprints(cfg.BlueprintsFile)
		if err != nil {
			return nil, err
		}
		clear(agents)
		for _, bp := range bps {
			agents[bp.Name] = true
		}
		return bps, nil
	}
	flows := config.NewFlowSet(cfg.FlowsDir, flow.ValidateOptions{
		KnownStep:  registry.Known,
		KnownAgent: func(name string) bool { return agents[name] },
	})

	conditions := condition.NewEvaluator(st, nil)
	broker := events.NewBroker()
	state := jobs.LoadState(cfg.StatePath())

	spawner := spawn.NewSpawner(spawn.Config{
		WorkerBin: cfg.WorkerBin,
		RepoRoot:  cfg.RepoRoot,
	}, sandboxes, workers, st, nil)

	resolveBlueprint := func(name string) (*types.Blueprint, error) {
		bps, err := config.LoadBlueprints(cfg.BlueprintsFile)
		if err != nil {
			return nil, err
		}
		for _, bp := range bps {
			if bp.Name == name {
				return bp, nil
			}
		}
		return nil, fmt.Errorf("blueprint %q is not configured", name)
	}

	handler := result.NewHandler(result.Deps{
		Store:      st,
		Flows:      flows,
		Steps:      registry,
		Conditions: conditions,
		Sandboxes:  sandboxes,
		Journal:    jrnl,
		Pool:       workers,
		Blueprints: resolveBlueprint,
		Agents:     spawner,
		Broker:     broker,
	})

	jobRegistry := jobs.NewRegistry()
	jobs.RegisterBuiltins(jobRegistry, jobs.Deps{
		Store:      st,
		Pool:       workers,
		Results:    handler,
		Sandboxes:  sandboxes,
		Flows:      flows,
		Steps:      registry,
		Conditions: conditions,
		Decisions:  handler,
		Journal:    jrnl,
		Registration: store.Registration{
			OrchestratorID: cfg.OrchestratorID,
			Cluster:        cfg.Cluster,
			MachineID:      cfg.MachineID,
		},
	})

	chain := guard.DefaultChain(guard.Deps{
		Store: st,
		Pool:  workers,
		Forge: gh,
		RunScript: func(ctx context.Context, command string) error {
			return condition.ExecScript(ctx, cfg.RepoRoot, command)
		},
		Limits: guard.Limits{
			MaxClaimed:     cfg.MaxClaimed,
			MaxProvisional: cfg.MaxProvisional,
		},
	})

	sched := scheduler.New(scheduler.Deps{
		Store:          st,
		Blueprints:     blueprintSource,
		Flows:          flows,
		Chain:          chain,
		Spawner:        spawner,
		Jobs:           jobs.NewRunner(jobRegistry, state, workers),
		State:          state,
		Broker:         broker,
		OrchestratorID: cfg.OrchestratorID,
		LockPath:       cfg.LockPath(),
		Deadline:       cfg.TickDeadline,
	})

	return &runtime{
		Config:    cfg,
		Scheduler: sched,
		Broker:    broker,
		Pool:      workers,
		Journal:   jrnl,
		State:     state,
	}, nil
}

func initLogging(cfg *config.Config) {
	log.Init(log.Config{
		Level:      log.Level(cfg.LogLevel),
		JSONOutput: cfg.LogFormat == "json",
	})
}

func blueprintSet(bps []*types.Blueprint) func(string) bool {
	set := map[string]bool{}
	for _, bp := range bps {
		set[bp.Name] = true
	}
	return func(name string) bool { return set[name] }
}

func splitCommand(command string) []string {
	if command == "" {
		return nil
	}
	return strings.Fields(command)
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())

	logger := log.WithComponent("metrics")
	logger.Info().Str("addr", addr).Msg("metrics server listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}

func logEvents(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	logger := log.WithComponent("events")
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			e := logger.Info().Str("event", string(ev.Type))
			if ev.TaskID != "" {
				e = e.Str("task_id", ev.TaskID)
			}
			if ev.Blueprint != "" {
				e = e.Str("blueprint", ev.Blueprint)
			}
			if ev.InstanceID != "" {
				e = e.Str("instance_id", ev.InstanceID)
			}
			if ev.Detail != "" {
				e = e.Str("detail", ev.Detail)
			}
			e.Msg("event")
		}
	}
}
