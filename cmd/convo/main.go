package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rendis/convo/internal/engine"
	"github.com/rendis/convo/internal/expressions"
	"github.com/rendis/convo/internal/logging"
	"github.com/rendis/convo/internal/reasoning"
	"github.com/rendis/convo/internal/sandbox"
	"github.com/rendis/convo/internal/scheduler"
	"github.com/rendis/convo/internal/store"
	"github.com/rendis/convo/internal/streaming"
	"github.com/rendis/convo/internal/tools"
	"github.com/rendis/convo/internal/validation"
	convomcp "github.com/rendis/convo/pkg/mcp"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		printVersion()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.NewLibSQLStore("file:" + cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate store: %w", err)
	}

	registry := tools.NewRegistry()
	if err := loadToolRegistry(registry, cfg.ToolsPath); err != nil {
		return fmt.Errorf("load tool registry: %w", err)
	}

	eval, err := expressions.NewEvaluator()
	if err != nil {
		return fmt.Errorf("init expression engines: %w", err)
	}
	validator, err := validation.NewWorkflowValidator(registry, eval)
	if err != nil {
		return fmt.Errorf("init workflow validator: %w", err)
	}

	hub := streaming.NewMemoryHub()
	transitions := engine.NewTransitionEngine(eval, hub, logger)
	gate := engine.NewGatekeeper(hub, logger)
	pause := engine.NewPauseController(st, hub, logger)
	contexts := reasoning.NewContextBuilder(eval).WithHistoryWindow(cfg.HistoryWindow)

	// The rule provider keeps the engine usable without an external
	// reasoning component; deployments swap in their own Provider.
	provider := reasoning.NewRuleProvider()

	pool := engine.NewDispatchPool(cfg.PoolSize)
	defer pool.Shutdown()

	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Store:    st,
		Locks:    engine.NewSessionLocks(time.Duration(cfg.LockTimeoutSec) * time.Second),
		Engine:   transitions,
		Gate:     gate,
		Provider: provider,
		Contexts: contexts,
		Outbound: &logOutbound{logger: logger},
		Hub:      hub,
		Logger:   logger,
	})

	sandboxes := sandbox.NewManager(sandbox.ManagerConfig{
		Engine:   transitions,
		Gate:     gate,
		Provider: provider,
		Contexts: contexts,
		Hub:      hub,
		Logger:   logger,
		IdleTTL:  time.Duration(cfg.SandboxTTLMin) * time.Minute,
	})

	janitor := scheduler.NewJanitor(30*time.Second, logger)
	if err := janitor.Register(scheduler.Task{
		Name:           "sandbox-sweep",
		CronExpression: cfg.SweepCron,
		Run: func(ctx context.Context) error {
			sandboxes.SweepIdle(ctx)
			return nil
		},
	}); err != nil {
		return err
	}
	if err := janitor.Register(scheduler.Task{
		Name:           "store-vacuum",
		CronExpression: cfg.VacuumCron,
		Run:            st.Vacuum,
	}); err != nil {
		return err
	}
	if err := janitor.Start(ctx); err != nil {
		return err
	}
	defer janitor.Stop()

	srv := convomcp.NewConvoServer(convomcp.ConvoServerDeps{
		Store:      st,
		Validator:  validator,
		Dispatcher: dispatcher,
		Pool:       pool,
		Pause:      pause,
		Sandbox:    sandboxes,
		Registry:   registry,
		Logger:     logger,
	})

	logger.Info("convo engine started",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath))
	return srv.Serve(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	// MCP owns stdout; logs go to stderr.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(inner))
}

// loadToolRegistry populates the closed tool registry from a JSON file of
// ToolInfo entries. No file configured means an empty registry: workflows
// granting any tool will fail validation, which is the safe default.
func loadToolRegistry(registry *tools.Registry, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var infos []tools.ToolInfo
	if err := json.Unmarshal(data, &infos); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	for _, info := range infos {
		if err := registry.Register(info); err != nil {
			return err
		}
	}
	return nil
}

// logOutbound is the default outbound channel: replies are logged, not
// delivered anywhere. Deployments wire a real messaging integration.
type logOutbound struct {
	logger *slog.Logger
}

func (o *logOutbound) Deliver(ctx context.Context, sess *store.Session, reply string) error {
	o.logger.InfoContext(ctx, "outbound reply",
		slog.String("contact", sess.ContactIdentity),
		slog.String("reply", reply))
	return nil
}
