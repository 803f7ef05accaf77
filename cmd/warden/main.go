package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/wardenhq/warden/pkg/config"
	"github.com/wardenhq/warden/pkg/lifecycle"
	"github.com/wardenhq/warden/pkg/provider"
	"github.com/wardenhq/warden/pkg/provider/docker"
	"github.com/wardenhq/warden/pkg/provider/remote"
	"github.com/wardenhq/warden/pkg/server"
	"github.com/wardenhq/warden/pkg/store/sqlite"
)

const defaultLogLevel = "info"

func main() {
	var levelVar slog.LevelVar
	levelVar.Set(slog.LevelInfo)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &levelVar}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCommand(logger, &levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("command interrupted", "error", err)
			os.Exit(130)
		}
		logger.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand(logger *slog.Logger, levelVar *slog.LevelVar) *cobra.Command {
	logLevel := defaultLogLevel

	root := &cobra.Command{
		Use:           "warden",
		Short:         "Provision and supervise ephemeral sandboxes for coding-agent sessions",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.PersistentFlags().StringVar(&logLevel, "log-level", defaultLogLevel, "Set log verbosity (debug, info, warning, error)")
	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		level, err := parseLogLevel(logLevel)
		if err != nil {
			return err
		}
		levelVar.Set(level)
		return nil
	}

	root.AddCommand(newServeCommand(logger))
	return root
}

func newServeCommand(logger *slog.Logger) *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the warden API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	if dir := filepath.Dir(cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}
	st, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("initializing store: %w", err)
	}
	defer st.Close()

	prov, err := buildProvider(cfg.Provider)
	if err != nil {
		return err
	}

	hub := server.NewHub(logger)
	sup := lifecycle.NewSupervisor(lifecycle.Config{
		HeartbeatTimeout:  cfg.Lifecycle.HeartbeatTimeout.Std(),
		InactivityTimeout: cfg.Lifecycle.InactivityTimeout.Std(),
		BreakerThreshold:  cfg.Lifecycle.BreakerThreshold,
		BreakerWindow:     cfg.Lifecycle.BreakerWindow.Std(),
		CallbackURL:       cfg.CallbackURL,
		DefaultModel:      cfg.DefaultModel,
	}, st, st, prov, hub, logger)
	defer sup.Stop()

	srv := server.New(st, st, sup, hub, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(cfg.ListenAddr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func buildProvider(cfg config.ProviderConfig) (provider.Provider, error) {
	switch cfg.Kind {
	case "remote":
		return remote.New(cfg.Endpoint, cfg.APIToken), nil
	case "docker":
		return docker.New(cfg.Image)
	default:
		return nil, fmt.Errorf("unknown provider kind %q", cfg.Kind)
	}
}

func parseLogLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error", "err":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}
