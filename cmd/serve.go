package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/switchboard/internal/agent"
	"github.com/nextlevelbuilder/switchboard/internal/bootstrap"
	"github.com/nextlevelbuilder/switchboard/internal/channels"
	"github.com/nextlevelbuilder/switchboard/internal/channels/discord"
	"github.com/nextlevelbuilder/switchboard/internal/channels/telegram"
	"github.com/nextlevelbuilder/switchboard/internal/channels/webhook"
	"github.com/nextlevelbuilder/switchboard/internal/config"
	"github.com/nextlevelbuilder/switchboard/internal/cron"
	"github.com/nextlevelbuilder/switchboard/internal/delivery"
	"github.com/nextlevelbuilder/switchboard/internal/gateway"
	"github.com/nextlevelbuilder/switchboard/internal/heartbeat"
	"github.com/nextlevelbuilder/switchboard/internal/lock"
	"github.com/nextlevelbuilder/switchboard/internal/mcp"
	"github.com/nextlevelbuilder/switchboard/internal/sessions"
	"github.com/nextlevelbuilder/switchboard/internal/store"
	"github.com/nextlevelbuilder/switchboard/internal/telemetry"
	"github.com/nextlevelbuilder/switchboard/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent server (gateway + all services)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

// dataStore is the persistence surface the server needs from one backend.
type dataStore interface {
	store.SessionStore
	store.CronStore
	Close() error
}

func openStore(cfg *config.Config) (dataStore, error) {
	switch cfg.Storage.Driver {
	case "", "sqlite":
		return store.OpenSQLite(filepath.Join(cfg.DataDir(), "switchboard.db"))
	case "postgres":
		if cfg.Storage.DSN == "" {
			return nil, fmt.Errorf("storage driver postgres requires a dsn")
		}
		return store.OpenPostgres(cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg := loadConfig()

	dataDir := cfg.DataDir()
	workspace := cfg.WorkspacePath()
	if !filepath.IsAbs(workspace) {
		workspace, _ = filepath.Abs(workspace)
	}

	// One server instance per data directory.
	lk := lock.New(dataDir, lock.Options{})
	if err := lk.Acquire(); err != nil {
		slog.Error("lock.acquire_failed", "dir", dataDir, "error", err)
		os.Exit(1)
	}
	defer lk.Release()

	if seeded, err := bootstrap.EnsureWorkspaceFiles(workspace); err != nil {
		slog.Warn("bootstrap.failed", "error", err)
	} else if len(seeded) > 0 {
		slog.Info("bootstrap.seeded", "files", seeded)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := telemetry.New(ctx, telemetry.Options{
		Enabled:  cfg.Telemetry.Enabled,
		Endpoint: cfg.Telemetry.Endpoint,
		Protocol: cfg.Telemetry.Protocol,
		Version:  Version,
	})
	if err != nil {
		slog.Error("telemetry.init_failed", "error", err)
		os.Exit(1)
	}

	st, err := openStore(cfg)
	if err != nil {
		slog.Error("store.open_failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	srv := gateway.NewServer(gateway.Options{
		Host:           cfg.Gateway.Host,
		Port:           cfg.Gateway.Port,
		RequestTimeout: parseDuration(cfg.Gateway.RequestTimeout, 10*time.Second),
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Start(gctx) })
	if cfg.Gateway.Tailnet.Enabled {
		g.Go(func() error { return serveTailnet(gctx, cfg, srv.Addr()) })
	}

	gatewayURL := cfg.GatewayURL()
	if err := waitForGateway(ctx, srv.Addr()); err != nil {
		slog.Error("gateway.not_ready", "error", err)
		os.Exit(1)
	}

	// Sessions first: every other service persists through it.
	sessionsSvc := sessions.NewService(st)
	if err := sessionsSvc.Start(ctx, gatewayURL); err != nil {
		slog.Error("sessions.start_failed", "error", err)
		os.Exit(1)
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool(workspace, true))
	registry.Register(tools.NewExecTool(workspace, true))
	browserTool := tools.NewBrowserTool()
	registry.Register(browserTool)

	toolsSvc := tools.NewService(registry)
	if err := toolsSvc.Start(ctx, gatewayURL); err != nil {
		slog.Error("tools.start_failed", "error", err)
		os.Exit(1)
	}

	model, ok := cfg.PrimaryModel()
	if !ok {
		slog.Error("config.no_model_profile", "primary", cfg.Agent.Primary)
		os.Exit(1)
	}
	agentSvc := agent.NewService(agent.Config{
		GatewayURL:   gatewayURL,
		Model:        agent.ModelProfile(model),
		WorkspaceDir: workspace,
		SystemPrompt: cfg.Agent.SystemPrompt,
		RunTimeout:   parseDuration(cfg.Agent.RunTimeout, 5*time.Minute),
	}, agent.NewOpenAIRuntime(registry))
	if err := agentSvc.Start(ctx, gatewayURL); err != nil {
		slog.Error("agent.start_failed", "error", err)
		os.Exit(1)
	}

	chanMgr := channels.NewManager(delivery.Options{})
	registerChannels(chanMgr, cfg)
	if err := chanMgr.Start(ctx, gatewayURL); err != nil {
		slog.Error("channels.start_failed", "error", err)
		os.Exit(1)
	}

	cronSvc, err := cron.NewService(cfg.Cron.Timezone, st)
	if err != nil {
		slog.Error("cron.init_failed", "error", err)
		os.Exit(1)
	}
	cronSvc.SetReplyFilter(func(taskID, response string) bool {
		return taskID == heartbeat.TaskID && heartbeat.IsAck(response, cfg.Heartbeat.AckMaxChars)
	})
	if err := cronSvc.Start(ctx, gatewayURL); err != nil {
		slog.Error("cron.start_failed", "error", err)
		os.Exit(1)
	}

	hb := heartbeat.New(heartbeat.Options{
		Workspace: workspace,
		Schedule:  cfg.Heartbeat.Schedule,
		Prompt:    cfg.Heartbeat.Prompt,
		ActiveHours: heartbeat.ActiveHours{
			Start:    cfg.Heartbeat.ActiveHours.Start,
			End:      cfg.Heartbeat.ActiveHours.End,
			Timezone: cfg.Heartbeat.ActiveHours.Timezone,
		},
		IsBusy: func() bool { return len(agentSvc.Lifecycle().ActiveRuns()) > 0 },
	})
	if err := hb.Attach(ctx, cronSvc.Scheduler()); err != nil {
		slog.Warn("heartbeat.attach_failed", "error", err)
	}

	var mcpSrv *mcp.Server
	if cfg.MCP.Transport == "sse" {
		addr := mcpAddr(cfg)
		mcpSrv, err = mcp.NewServer(registry, mcp.Options{Transport: "sse", Addr: addr, Version: Version})
		if err != nil {
			slog.Error("mcp.init_failed", "error", err)
		} else if err := mcpSrv.Start(ctx); err != nil {
			slog.Error("mcp.start_failed", "error", err)
			mcpSrv = nil
		}
	}

	slog.Info("switchboard.ready", "gateway", srv.Addr(), "workspace", workspace,
		"model", model.Model, "provider", model.Provider)

	<-ctx.Done()
	slog.Info("switchboard.shutting_down")

	// Reverse of startup: producers first, then consumers, then transport.
	hb.Close()
	cronSvc.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	chanMgr.Stop(shutdownCtx)
	agentSvc.Stop()
	toolsSvc.Stop()
	sessionsSvc.Stop()
	if mcpSrv != nil {
		mcpSrv.Stop(shutdownCtx)
	}
	browserTool.Close()
	srv.Stop()

	if err := g.Wait(); err != nil {
		slog.Error("switchboard.exit_error", "error", err)
	}
	if err := tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry.shutdown_failed", "error", err)
	}
	slog.Info("switchboard.stopped")
}

// registerChannels builds each enabled adapter from config.
func registerChannels(mgr *channels.Manager, cfg *config.Config) {
	if tg := cfg.Channels.Telegram; tg.Enabled {
		ch, err := telegram.New(telegram.Config{
			Token:    tg.BotToken,
			ProxyURL: tg.ProxyURL,
		}, channels.BaseOptions{AllowFrom: tg.AllowFrom})
		if err != nil {
			slog.Error("telegram.init_failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if dc := cfg.Channels.Discord; dc.Enabled {
		ch, err := discord.New(discord.Config{
			Token:          dc.BotToken,
			RequireMention: dc.RequireMention,
		}, channels.BaseOptions{AllowFrom: dc.AllowFrom})
		if err != nil {
			slog.Error("discord.init_failed", "error", err)
		} else {
			mgr.Register(ch)
		}
	}
	if wh := cfg.Channels.Webhook; wh.Enabled {
		mgr.Register(webhook.New(webhook.Config{
			Addr:  wh.Addr,
			Token: wh.Token,
		}, channels.BaseOptions{}))
	}
}

// waitForGateway polls the health endpoint until the listener is accepting.
func waitForGateway(ctx context.Context, addr string) error {
	url := "http://" + addr + "/health"
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("gateway did not become ready at %s", addr)
}

func mcpAddr(cfg *config.Config) string {
	host := cfg.MCP.Host
	if host == "" {
		host = "127.0.0.1"
	}
	port := cfg.MCP.Port
	if port == 0 {
		port = 8791
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("config.bad_duration", "value", s)
		return fallback
	}
	return d
}
