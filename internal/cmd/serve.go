package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/steward-ai/steward/internal/api"
	"github.com/steward-ai/steward/internal/config"
	"github.com/steward-ai/steward/internal/discovery"
	"github.com/steward-ai/steward/internal/session"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	if v, _ := cmd.Flags().GetString("listen"); v != "" {
		_ = os.Setenv("HTTP_LISTEN_ADDRESS", v)
	}
	if v, _ := cmd.Flags().GetString("projects-dir"); v != "" {
		_ = os.Setenv("CLAUDE_PROJECTS_DIR", v)
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel)

	manager := session.NewManager(cfg, logger)
	disc := discovery.New(cfg, manager, logger)
	server := api.NewServer(cfg, manager, disc, logger)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("steward starting",
		"version", version,
		"listen", cfg.ListenAddress,
		"agent_binary", cfg.AgentBinaryPath,
		"projects_dir", cfg.ProjectsDir,
	)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http server shutdown error", "error", err)
		}

		manager.Shutdown()
		return nil
	})

	if err := group.Wait(); err != nil {
		logger.Error("server error", "error", err)
		return err
	}

	logger.Info("steward stopped")
	return nil
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
}
