package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/patrick-hofmann/koompl/internal/config"
	"github.com/patrick-hofmann/koompl/internal/decision"
	"github.com/patrick-hofmann/koompl/internal/flow"
	"github.com/patrick-hofmann/koompl/internal/httpapi"
	"github.com/patrick-hofmann/koompl/internal/identity"
	"github.com/patrick-hofmann/koompl/internal/mailgun"
	"github.com/patrick-hofmann/koompl/internal/mcp"
	"github.com/patrick-hofmann/koompl/internal/providers"
	"github.com/patrick-hofmann/koompl/internal/router"
	"github.com/patrick-hofmann/koompl/internal/store"
	"github.com/patrick-hofmann/koompl/internal/store/pg"
	"github.com/patrick-hofmann/koompl/internal/store/sqlite"
	"github.com/patrick-hofmann/koompl/internal/telemetry"
	"github.com/patrick-hofmann/koompl/internal/tools"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the agent engine (webhook, flows, admin API)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
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

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Init(ctx, cfg.Snapshot().Telemetry)
	if err != nil {
		slog.Error("telemetry init failed", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	stores, db, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open stores", "backend", cfg.Storage.Backend, "error", err)
		os.Exit(1)
	}
	if db != nil {
		defer db.Close()
	}

	dataDir := config.ExpandHome(cfg.Storage.DataDir)
	datasafe, err := store.NewDatasafe(filepath.Join(dataDir, "datasafe"))
	if err != nil {
		slog.Error("failed to open datasafe", "error", err)
		os.Exit(1)
	}
	teamData, err := store.NewTeamDataStore(filepath.Join(dataDir, "teams"))
	if err != nil {
		slog.Error("failed to open team data store", "error", err)
		os.Exit(1)
	}

	view := identity.NewView(stores.Teams, stores.Agents)

	// Builtin tools go in before the decision engine is built so it can
	// tell them apart from MCP-bridged tools registered later.
	registry := tools.NewRegistry()
	registry.Register(tools.NewCalendarListTool(teamData))
	registry.Register(tools.NewCalendarCreateTool(teamData))
	registry.Register(tools.NewCalendarDeleteTool(teamData))
	registry.Register(tools.NewKanbanListTool(teamData))
	registry.Register(tools.NewKanbanAddCardTool(teamData))
	registry.Register(tools.NewKanbanMoveCardTool(teamData))
	registry.Register(tools.NewKanbanDeleteCardTool(teamData))
	registry.Register(tools.NewDatasafeListTool(datasafe))
	registry.Register(tools.NewDatasafeDownloadTool(datasafe))
	registry.Register(tools.NewDatasafeUploadTool(datasafe))
	registry.Register(tools.NewDirectoryListTool(view))

	transport, local, err := buildTransport(cfg)
	if err != nil {
		slog.Error("failed to build mail transport", "error", err)
		os.Exit(1)
	}
	r := router.New(stores.Mail, stores.Flows, view, transport)

	registry.Register(tools.NewEmailReplyTool(stores.Mail, r))
	registry.Register(tools.NewEmailForwardTool(stores.Mail, r))

	provider, err := buildProvider(cfg)
	if err != nil {
		slog.Error("failed to build LLM provider", "error", err)
		os.Exit(1)
	}

	mcpMgr := mcp.NewManager(registry, stores.MCP)
	decider := decision.NewEngine(provider, registry, mcpMgr, cfg)
	if err := mcpMgr.Start(ctx); err != nil {
		slog.Warn("mcp manager start incomplete", "error", err)
	}
	defer mcpMgr.Stop()

	hub := httpapi.NewHub(cfg.Snapshot().Server.InboundToken)
	engine := flow.NewEngine(stores.Flows, view, r, decider, cfg, hub)
	proc := httpapi.NewProcessor(stores.Mail, view, r, engine, datasafe)
	if local != nil {
		local.SetDelivery(proc.Process)
	}

	inbound := httpapi.NewInboundHandler(cfg, proc)
	flowsAPI := httpapi.NewFlowsHandler(stores.Flows, engine)
	server := httpapi.NewServer(cfg, inbound, flowsAPI, hub)
	sweeper := flow.NewSweeper(engine, stores.Flows, cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	g.Go(func() error {
		sweeper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		err := config.Watch(gctx, cfgPath, func(fresh *config.Config) {
			cfg.Replace(fresh)
			view.Invalidate()
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	slog.Info("koompl started",
		"version", Version,
		"backend", cfg.Storage.Backend,
		"transport", cfg.Mailgun.Transport,
	)

	if err := g.Wait(); err != nil {
		slog.Error("engine stopped", "error", err)
		os.Exit(1)
	}
	slog.Info("koompl stopped")
}

func openStores(cfg *config.Config) (*store.Stores, *sql.DB, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return store.NewMemStores().Stores(), nil, nil
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return nil, nil, fmt.Errorf("KOOMPL_POSTGRES_DSN is not set")
		}
		return pg.NewStores(cfg.Storage.PostgresDSN)
	case "", "sqlite":
		return sqlite.NewStores(config.ExpandHome(cfg.Storage.SQLitePath))
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildTransport(cfg *config.Config) (router.Transport, *router.LocalTransport, error) {
	mg := cfg.Snapshot().Mailgun
	switch mg.Transport {
	case "local":
		local := router.NewLocalTransport("local.koompl")
		return local, local, nil
	case "", "mailgun":
		if mg.APIKey == "" {
			return nil, nil, fmt.Errorf("KOOMPL_MAILGUN_KEY is not set (use transport \"local\" for development)")
		}
		client := mailgun.NewClient(mg.BaseURL, mg.APIKey, time.Duration(mg.TimeoutSec)*time.Second)
		return router.NewMailgunTransport(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown mail transport %q", mg.Transport)
	}
}

func buildProvider(cfg *config.Config) (providers.Provider, error) {
	llm := cfg.Snapshot().LLM
	switch llm.Provider {
	case "", "openai":
		if llm.APIKey == "" {
			return nil, fmt.Errorf("KOOMPL_LLM_API_KEY is not set")
		}
		return providers.NewOpenAIProvider("openai", llm.APIKey, llm.BaseURL, llm.Model), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider %q", llm.Provider)
	}
}
