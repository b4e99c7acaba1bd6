package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dagobah-org/dagobah/internal/backend"
	_ "github.com/dagobah-org/dagobah/internal/backend/postgres"
	_ "github.com/dagobah-org/dagobah/internal/backend/sqlite"
	"github.com/dagobah-org/dagobah/internal/config"
	"github.com/dagobah-org/dagobah/internal/core"
	"github.com/dagobah-org/dagobah/internal/frontend"
	"github.com/dagobah-org/dagobah/internal/logger"
	"github.com/dagobah-org/dagobah/internal/mailer"
)

const shutdownTimeout = 10 * time.Second

func serverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "server",
		Short: "Run the scheduler daemon and its HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cmd.Context(), cfg)
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log, closeLog, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer closeLog()
	ctx = logger.WithLogger(ctx, log)

	if err := prepareDatabaseDir(cfg.Database); err != nil {
		return err
	}
	store, err := backend.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open backend: %w", err)
	}
	defer func() {
		_ = store.Close()
	}()

	engine, err := restoreEngine(ctx, store, cfg)
	if err != nil {
		return err
	}
	logger.Info(ctx, "Engine ready", "dagobah_id", engine.ID(),
		"jobs", len(engine.Jobs()), "database", cfg.Database)

	if cfg.Mail.Enabled() {
		notifier := mailer.NewNotifier(mailer.New(mailer.Config{
			Host:     cfg.Mail.Host,
			Port:     cfg.Mail.Port,
			Username: cfg.Mail.Username,
			Password: cfg.Mail.Password,
		}), cfg.Mail.From, cfg.Mail.To)
		if err := notifier.Attach(engine.Events(), cfg.Mail.Events); err != nil {
			return fmt.Errorf("failed to attach mail notifier: %w", err)
		}
		logger.Info(ctx, "Mail notifications enabled", "to", cfg.Mail.To)
	}

	srv := frontend.New(engine, cfg.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start(ctx)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}
	logger.Info(ctx, "Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(ctx, "Graceful shutdown failed", "err", err)
	}
	<-engine.Scheduler().Done()
	return nil
}

// restoreEngine reattaches to the first persisted instance, or starts a
// fresh one when the backend is empty.
func restoreEngine(ctx context.Context, store backend.Backend, cfg *config.Config) (*core.Dagobah, error) {
	engine, err := core.New(ctx, store, core.WithSSHConfig(cfg.SSHConfig))
	if err != nil {
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	ids, err := store.KnownDagobahIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list persisted instances: %w", err)
	}
	freshID := engine.ID()
	for _, id := range ids {
		if id == freshID {
			continue
		}
		if err := engine.FromBackend(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to restore instance %s: %w", id, err)
		}
		// The bootstrap instance was persisted before the restore found
		// an existing one; drop it so it cannot be picked up next time.
		if err := store.DeleteDagobah(ctx, freshID); err != nil {
			logger.Warn(ctx, "Failed to remove bootstrap instance",
				"id", freshID, "err", err)
		}
		logger.Info(ctx, "Restored persisted instance", "id", id)
		break
	}
	return engine, nil
}

func buildLogger(cfg *config.Config) (logger.Logger, func(), error) {
	opts := []logger.Option{
		logger.WithLevel(cfg.LogLevel),
		logger.WithFormat(cfg.LogFormat),
	}
	closeLog := func() {}
	if cfg.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
			return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		opts = append(opts, logger.WithWriter(f))
		closeLog = func() { _ = f.Close() }
	}
	return logger.NewLogger(opts...), closeLog, nil
}

// prepareDatabaseDir creates the parent directory for file-backed DSNs
// so the default sqlite path works on first run.
func prepareDatabaseDir(dsn string) error {
	const prefix = "sqlite://"
	if len(dsn) <= len(prefix) || dsn[:len(prefix)] != prefix {
		return nil
	}
	dir := filepath.Dir(dsn[len(prefix):])
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}
	return nil
}
