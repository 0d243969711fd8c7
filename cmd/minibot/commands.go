package main

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/minibot/internal/agent"
	"github.com/haasonsaas/minibot/internal/bus"
	"github.com/haasonsaas/minibot/internal/config"
	"github.com/haasonsaas/minibot/internal/cron"
	"github.com/haasonsaas/minibot/internal/heartbeat"
	"github.com/haasonsaas/minibot/internal/observability"
	"github.com/haasonsaas/minibot/internal/providers"
	"github.com/haasonsaas/minibot/internal/sessions"
)

// runtime is the assembled application: config, buses, provider, sessions,
// the agent loop, and the schedulers.
type runtime struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	bus      *bus.MessageBus
	events   *bus.EventBus
	sessions *sessions.Manager
	loop     *agent.AgentLoop
	cron     *cron.Service
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("MINIBOT_CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".minibot", "config.yaml")
}

func newRuntime(configPath string, withMetrics bool) (*runtime, error) {
	cfg, err := config.Load(resolveConfigPath(configPath))
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.Workspace, 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	logger := observability.NewLogger(cfg.Logging)

	var registry *prometheus.Registry
	var metrics *observability.Metrics
	if withMetrics && cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		metrics = observability.NewMetrics(registry)
	}

	mbus := bus.NewMessageBus()
	events := bus.NewEventBus(logger)

	provider := providers.NewOpenAIProvider(providers.OpenAIConfig{
		APIKey:       cfg.Provider.APIKey,
		APIBase:      cfg.Provider.APIBase,
		DefaultModel: cfg.Provider.Model,
	})

	sess, err := sessions.NewManager(cfg.Workspace)
	if err != nil {
		return nil, err
	}

	loop := agent.NewAgentLoop(agent.Config{
		Workspace:           cfg.Workspace,
		Model:               cfg.Provider.Model,
		ContextWindow:       cfg.Agent.ContextWindow,
		MaxIterations:       cfg.Agent.MaxIterations,
		MaxTokens:           cfg.Agent.MaxTokens,
		Temperature:         cfg.Agent.Temperature,
		BraveAPIKey:         cfg.Tools.BraveAPIKey,
		ExecTimeout:         cfg.Tools.ExecTimeout,
		RestrictToWorkspace: cfg.Tools.RestrictToWorkspace,
	}, mbus, provider, sess, events, logger, metrics)

	cronSvc, err := cron.NewService(cfg.Workspace, mbus, logger)
	if err != nil {
		return nil, err
	}
	loop.RegisterTool(cron.NewTool(cronSvc))

	return &runtime{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		bus:      mbus,
		events:   events,
		sessions: sess,
		loop:     loop,
		cron:     cronSvc,
	}, nil
}

func (r *runtime) close() {
	r.bus.Close()
	r.sessions.Close()
}

func buildServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent service (bus consumer, schedulers, metrics)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath, true)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			rt.cron.Start(ctx)
			defer rt.cron.Stop()

			if rt.cfg.Heartbeat.Enabled {
				hb := heartbeat.NewService(rt.cfg.Workspace, rt.cfg.Heartbeat.Interval, rt.bus, rt.logger)
				hb.Start(ctx)
				defer hb.Stop()
			}

			if rt.registry != nil {
				srv := &http.Server{Addr: rt.cfg.Metrics.Addr, Handler: promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{})}
				go func() {
					if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						rt.logger.Error(ctx, "metrics server failed", "error", err)
					}
				}()
				defer func() {
					shutdownCtx, done := context.WithTimeout(context.Background(), 2*time.Second)
					defer done()
					srv.Shutdown(shutdownCtx)
				}()
			}

			// Replies for channels without an adapter land on stdout.
			go func() {
				for out := range rt.bus.Outbound() {
					fmt.Printf("[%s:%s] %s\n", out.Channel, out.ChatID, out.Content)
				}
			}()

			return rt.loop.Run(ctx)
		},
	}
}

func buildChatCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Talk to the agent (interactive without arguments)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			// Live-print model output as it streams.
			rt.events.Subscribe(func(ev bus.AgentEvent) {
				if ev.Category == "stream" && ev.Event == "stream_chunk" {
					if delta, ok := ev.Data["delta"].(string); ok {
						fmt.Print(delta)
					}
				}
			})
			// Tool-sent messages and sub-agent announcements print directly.
			go func() {
				for out := range rt.bus.Outbound() {
					fmt.Printf("\n%s\n", out.Content)
				}
			}()

			if len(args) > 0 {
				_, err := rt.loop.ProcessDirect(ctx, strings.Join(args, " "), "", "", "")
				fmt.Println()
				return err
			}

			fmt.Println("minibot — type a message, or /quit to exit.")
			scanner := bufio.NewScanner(os.Stdin)
			scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for {
				fmt.Print("> ")
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				if line == "/quit" || line == "/exit" {
					return nil
				}
				if _, err := rt.loop.ProcessDirect(ctx, line, "", "", ""); err != nil {
					fmt.Fprintln(os.Stderr, "Error:", err)
				}
				fmt.Println()
				if ctx.Err() != nil {
					return nil
				}
			}
		},
	}
}

func buildStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration and session summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()

			keys, err := rt.sessions.List(cmd.Context())
			if err != nil {
				return err
			}

			fmt.Printf("workspace:  %s\n", rt.cfg.Workspace)
			fmt.Printf("model:      %s\n", rt.cfg.Provider.Model)
			fmt.Printf("api base:   %s\n", orDefault(rt.cfg.Provider.APIBase, "(openai default)"))
			fmt.Printf("sessions:   %d\n", len(keys))
			fmt.Printf("cron jobs:  %d\n", len(rt.cron.List()))
			fmt.Printf("heartbeat:  %v\n", rt.cfg.Heartbeat.Enabled)
			return nil
		},
	}
}

func buildCronCmd(configPath *string) *cobra.Command {
	cronCmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect scheduled jobs",
	}
	cronCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()

			jobs := rt.cron.List()
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs.")
				return nil
			}
			for _, job := range jobs {
				fmt.Printf("%s  %-16s  %-20s  next %s  -> %s\n",
					job.ID, job.Name, job.Schedule.Describe(),
					job.NextRun.Format(time.RFC3339), job.Origin.SessionKey())
			}
			return nil
		},
	})
	cronCmd.AddCommand(&cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := newRuntime(*configPath, false)
			if err != nil {
				return err
			}
			defer rt.close()
			return rt.cron.Remove(args[0])
		},
	})
	return cronCmd
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}
