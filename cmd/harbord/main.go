package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/codeharbor/codeharbor/internal/config"
	"github.com/codeharbor/codeharbor/internal/files"
	"github.com/codeharbor/codeharbor/internal/hostpath"
	"github.com/codeharbor/codeharbor/internal/queue"
	"github.com/codeharbor/codeharbor/internal/sandbox"
	"github.com/codeharbor/codeharbor/internal/storage/postgres"
	"github.com/codeharbor/codeharbor/internal/storage/sqlite"
	"github.com/codeharbor/codeharbor/internal/sync"
	"github.com/codeharbor/codeharbor/internal/vfs"
)

const pidFileName = "harbord.pid"

func main() {
	if err := run(); err != nil {
		slog.Error("daemon error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	harborDir, err := config.EnsureHarborDir()
	if err != nil {
		return fmt.Errorf("ensure harbor dir: %w", err)
	}

	cfg, err := config.LoadLocalConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logLevel := parseLogLevel(cfg.Daemon.LogLevel)
	logFile, err := setupLogging(harborDir, logLevel)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	pidPath := filepath.Join(harborDir, pidFileName)
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, harborDir, cfg.Storage)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer closeStore()

	backend, err := sandbox.NewDockerBackend()
	if err != nil {
		return fmt.Errorf("docker backend: %w", err)
	}
	defer backend.Close()

	baseWorkDir := config.ResolvePath(harborDir, cfg.Sandbox.BaseWorkDir)
	if err := os.MkdirAll(baseWorkDir, 0755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	resolver := hostpath.NewPathResolver(baseWorkDir)
	registry := sandbox.NewRegistry()
	catalog := sandbox.NewCatalog()

	opts := []sandbox.ManagerOption{
		sandbox.WithIdleTimeout(time.Duration(cfg.Sandbox.IdleTimeoutMinutes) * time.Minute),
		sandbox.WithStopGrace(time.Duration(cfg.Sandbox.StopGraceSeconds) * time.Second),
	}
	var engineOpts []sync.EngineOption

	// Lifecycle and sync events are optional; without a broker URL the
	// daemon runs silent.
	if url := os.Getenv("RABBITMQ_URL"); url != "" {
		conn, err := queue.NewConnection(url)
		if err != nil {
			slog.Warn("queue unavailable, lifecycle events disabled", "error", err)
		} else {
			defer conn.Close()
			producer := queue.NewProducer(conn)
			opts = append(opts, sandbox.WithNotifier(producer))
			engineOpts = append(engineOpts, sync.WithEvents(producer))
		}
	}

	engine := sync.NewEngine(store, engineOpts...)
	manager := sandbox.NewManager(registry, backend, resolver, engine, catalog, opts...)

	executor := sandbox.NewExecutor(manager,
		sandbox.WithExecTimeout(time.Duration(cfg.Sandbox.ExecTimeoutSeconds)*time.Second))
	fileService := files.NewService(vfs.NewGate(store), resolver, store)

	// Handed to the transport layer once one is mounted.
	_, _ = executor, fileService

	slog.Info("harbord started",
		"work_dir", baseWorkDir,
		"storage", cfg.Storage.Driver,
		"idle_timeout_minutes", cfg.Sandbox.IdleTimeoutMinutes)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("received signal, shutting down", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := manager.CleanupAll(shutdownCtx); err != nil {
		slog.Error("cleanup error", "error", err)
	}

	slog.Info("daemon stopped")
	return nil
}

// openStore selects the node store: Postgres when a database URL is
// configured, SQLite otherwise.
func openStore(ctx context.Context, harborDir string, cfg config.StorageConfig) (vfs.Store, func(), error) {
	if cfg.Driver == "postgres" && cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		store := postgres.NewVfsStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	}

	path := config.ResolvePath(harborDir, cfg.SQLitePath)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := sqlite.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, nil, err
	}
	return sqlite.NewVfsStore(db), func() { db.Close() }, nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func setupLogging(harborDir string, level slog.Level) (*os.File, error) {
	logPath := filepath.Join(harborDir, "logs", "harbord.log")

	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	handler := slog.NewJSONHandler(logFile, &slog.HandlerOptions{
		Level: level,
	})

	// Also log to stderr for foreground mode
	multi := &multiHandler{
		handlers: []slog.Handler{
			handler,
			slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
				Level: level,
			}),
		},
	}

	slog.SetDefault(slog.New(multi))

	return logFile, nil
}

func writePIDFile(path string) error {
	pid := os.Getpid()
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", pid)), 0644)
}

// multiHandler logs to multiple handlers
type multiHandler struct {
	handlers []slog.Handler
}

func (h *multiHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, handler := range h.handlers {
		if handler.Enabled(ctx, r.Level) {
			if err := handler.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (h *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (h *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(h.handlers))
	for i, handler := range h.handlers {
		handlers[i] = handler.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
