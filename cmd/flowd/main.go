package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/mukund-aria/ai-flow-saas-sub008/internal/assignees"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/engine"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/logging"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/notify"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/patch"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/scheduler"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/store"
	"github.com/mukund-aria/ai-flow-saas-sub008/internal/validation"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/mcp"
	"github.com/mukund-aria/ai-flow-saas-sub008/pkg/schema"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "flowd:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := loadConfig()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	st, err := store.NewLibSQLStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := st.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	validator, err := validation.NewWorkflowValidator(schema.DefaultLimits())
	if err != nil {
		return fmt.Errorf("build validator: %w", err)
	}

	// The runner needs a notifier and the MCP push notifier needs the
	// server, which needs the runner. Break the cycle with a swappable
	// notifier that starts log-only.
	notifier := &swappableNotifier{inner: notify.NewLogNotifier(logger)}

	runner := engine.NewRunner(engine.Config{
		Store:     st,
		Resolver:  assignees.New(st, st, logger),
		Validator: validator,
		Notifier:  notifier,
		Workspace: engine.Workspace{ID: cfg.WorkspaceID, Name: cfg.WorkspaceName},
		Logger:    logger,
	})

	srv := mcp.NewFlowServer(mcp.FlowServerDeps{
		Runner:    runner,
		Store:     st,
		Patch:     patch.New(schema.DefaultLimits()),
		Validator: validator,
		Logger:    logger,
	})

	// Route lifecycle notifications to connected MCP sessions; everything
	// else lands in the log.
	notifier.swap(mcp.NewPushNotifier(srv.MCPServer(), srv.Sessions(), notify.NewLogNotifier(logger)))

	if cfg.Scheduler {
		sched := scheduler.NewScheduler(st, runner, logger, scheduler.WithInterval(cfg.pollInterval()))
		if err := sched.RecoverMissed(ctx); err != nil {
			logger.Warn("missed schedule recovery failed", slog.String("error", err.Error()))
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		defer func() {
			if err := sched.Stop(); err != nil {
				logger.Error("scheduler stop failed", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("flowd ready", slog.String("db", cfg.DBPath))
	if err := srv.Serve(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("serve: %w", err)
	}
	logger.Info("flowd shutting down")
	return nil
}

// swappableNotifier lets the notification sink be replaced after wiring.
type swappableNotifier struct {
	mu    sync.RWMutex
	inner notify.Notifier
}

func (s *swappableNotifier) swap(n notify.Notifier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inner = n
}

func (s *swappableNotifier) Notify(ctx context.Context, n schema.Notification) error {
	s.mu.RLock()
	inner := s.inner
	s.mu.RUnlock()
	return inner.Notify(ctx, n)
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
