package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/zulandar/stationmaster/internal/agents"
	"github.com/zulandar/stationmaster/internal/bridge"
	discordadapter "github.com/zulandar/stationmaster/internal/bridge/discord"
	slackadapter "github.com/zulandar/stationmaster/internal/bridge/slack"
	"github.com/zulandar/stationmaster/internal/config"
	"github.com/zulandar/stationmaster/internal/dashboard"
	"github.com/zulandar/stationmaster/internal/executor"
	"github.com/zulandar/stationmaster/internal/orchestrator"
	"github.com/zulandar/stationmaster/internal/profile"
	"github.com/zulandar/stationmaster/internal/session"
	"github.com/zulandar/stationmaster/internal/trace"
	"github.com/zulandar/stationmaster/internal/workflow"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Stationmaster daemon",
		Long:  "Connects to the configured chat platform and serves agent workflows until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "stationmaster.yaml", "path to Stationmaster config file")
	return cmd
}

// notifierRelay forwards executor notifications to a target installed
// after construction. The executor is built before the bridge daemon,
// which is the eventual target.
type notifierRelay struct {
	mu     sync.Mutex
	target executor.Notifier
}

func (r *notifierRelay) Set(target executor.Notifier) {
	r.mu.Lock()
	r.target = target
	r.mu.Unlock()
}

func (r *notifierRelay) Notify(n executor.Notification) {
	r.mu.Lock()
	target := r.target
	r.mu.Unlock()
	if target != nil {
		target.Notify(n)
	}
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	traces, err := trace.Open(cfg.Trace)
	if err != nil {
		return err
	}

	store := session.NewStore(cfg.SessionsDir)
	profiles := profile.NewRegistry(cfg)

	relay := &notifierRelay{}
	exec := executor.NewCodex(executor.CodexOpts{
		Command:          cfg.Executor.Command,
		Args:             cfg.Executor.Args,
		Model:            cfg.Executor.Model,
		WorkDir:          cfg.Executor.WorkDir,
		Timeout:          time.Duration(cfg.Executor.TimeoutSec) * time.Second,
		HistoryWindow:    cfg.Executor.HistoryWindow,
		HistoryCharLimit: cfg.Executor.HistoryCharLimit,
		Sandbox:          cfg.Executor.Sandbox,
		Notifier:         relay,
	})
	defer exec.Close()

	single := workflow.NewSingle(agents.NewDeveloper(exec))
	plan, err := workflow.NewPlan(workflow.PlanOpts{
		Selector:                agents.NewSelector(exec),
		Planner:                 agents.NewPlanner(exec),
		Developer:               agents.NewDeveloper(exec),
		Reviewer:                agents.NewReviewer(exec),
		Single:                  single,
		MaxReviewRounds:         cfg.Workflow.MaxReviewRounds,
		ReviewOnlyWithArtifacts: cfg.Workflow.ReviewArtifactsGate(),
		WorkspaceDir:            cfg.Executor.WorkDir,
	})
	if err != nil {
		return err
	}

	var multi workflow.Workflow
	if cfg.Workflow.MultiEnabled {
		m, err := workflow.NewMulti(workflow.MultiOpts{
			Exec:         exec,
			MaxRetries:   cfg.Workflow.MultiMaxRetries,
			WorkspaceDir: cfg.Executor.WorkDir,
		})
		if err != nil {
			return err
		}
		multi = m
	}

	orch, err := orchestrator.New(orchestrator.Opts{
		Store:            store,
		Profiles:         profiles,
		Exec:             exec,
		Trace:            traces,
		Single:           single,
		Plan:             plan,
		Multi:            multi,
		MaxReviewRounds:  cfg.Workflow.MaxReviewRounds,
		CancelWait:       time.Duration(cfg.Workflow.CancelWaitSec) * time.Second,
		MultiEnabled:     cfg.Workflow.MultiEnabled,
		WorkingDirectory: cfg.Executor.WorkDir,
	})
	if err != nil {
		return err
	}

	adapter, err := createAdapter(cfg)
	if err != nil {
		return err
	}
	defer adapter.Close()

	daemon, err := bridge.NewDaemon(bridge.DaemonOpts{
		Adapter: adapter,
		Handler: orch,
	})
	if err != nil {
		return err
	}
	relay.Set(daemon)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle OS signals for graceful shutdown.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Printf("sm: shutdown signal received")
		cancel()
	}()

	if err := exec.Warmup(ctx); err != nil {
		log.Printf("sm: executor warmup failed: %v", err)
	}

	// Clear run flags left behind by a previous crash, then keep them
	// reconciled on a schedule.
	orch.Reconcile()
	cr := cron.New()
	if _, err := cr.AddFunc(cfg.ReconcileCron, orch.Reconcile); err != nil {
		return fmt.Errorf("reconcile cron %q: %w", cfg.ReconcileCron, err)
	}
	cr.Start()
	defer cr.Stop()

	if cfg.Dashboard.Addr != "" {
		go func() {
			err := dashboard.Start(ctx, dashboard.StartOpts{
				Sessions: store,
				Traces:   traces,
				Addr:     cfg.Dashboard.Addr,
			})
			if err != nil {
				log.Printf("sm: dashboard stopped: %v", err)
			}
		}()
		fmt.Fprintf(cmd.OutOrStdout(), "Dashboard listening on %s\n", cfg.Dashboard.Addr)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Stationmaster connected to %s\n", cfg.Platform)
	if err := daemon.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// createAdapter builds the platform adapter named by the config.
func createAdapter(cfg *config.Config) (bridge.Adapter, error) {
	switch cfg.Platform {
	case "slack":
		return slackadapter.New(slackadapter.AdapterOpts{
			AppToken:  cfg.Slack.AppToken,
			BotToken:  cfg.Slack.BotToken,
			ChannelID: cfg.Channel,
		})
	case "discord":
		return discordadapter.New(discordadapter.AdapterOpts{
			BotToken:  cfg.Discord.BotToken,
			ChannelID: cfg.Channel,
		})
	case "mock":
		return bridge.NewMockAdapter(), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform)
	}
}
