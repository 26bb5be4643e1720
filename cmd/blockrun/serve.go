package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/caffeineduck/blockrun/internal/api"
	"github.com/caffeineduck/blockrun/internal/config"
	"github.com/caffeineduck/blockrun/internal/tracing"
	"github.com/caffeineduck/blockrun/language/javascript"
	"github.com/caffeineduck/blockrun/project"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Start the HTTP API server for block editors.

Endpoints:
  GET  /health                        Health check
  GET  /metrics                       Prometheus metrics
  POST /api/v1/compile                Compile a workspace
  POST /api/v1/sandbox/run            Compile and run in the sandbox
  POST /api/v1/sessions               Create an editor session
  POST /api/v1/sessions/{id}/runs     Start a run, discarding the previous one
  GET  /api/v1/sessions/{id}/events   Stream the active run (SSE)
  GET  /api/v1/editor                 Editor websocket
  GET  /api/v1/languages              Remote execution languages
  POST /api/v1/execute                Run source remotely
  *    /api/v1/projects[/{id}]        Saved workspaces`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	d := config.Default()
	serveCmd.Flags().String("server-addr", d.Server.Addr, "Listen address")
	serveCmd.Flags().StringSlice("server-cors-origins", nil, "Allowed CORS origins (repeatable)")
	serveCmd.Flags().String("store-backend", d.Store.Backend, "Project store: memory, redis")
	serveCmd.Flags().String("store-redis-addr", d.Store.Redis.Addr, "Redis address for the redis store")
	serveCmd.Flags().Bool("tracing-enabled", d.Tracing.Enabled, "Export traces over OTLP")
	serveCmd.Flags().String("tracing-endpoint", d.Tracing.Endpoint, "OTLP gRPC collector address")
	addSandboxFlags(serveCmd)
	addGatewayFlags(serveCmd)
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "blockrun",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Tracing.Endpoint,
		Enabled:        cfg.Tracing.Enabled,
		SampleRate:     cfg.Tracing.SampleRate,
	}, logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		tp.Shutdown(shutdownCtx)
	}()

	store, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	lang := javascript.New()
	exec, err := newExecutor(lang)
	if err != nil {
		return fmt.Errorf("create executor: %w", err)
	}
	defer exec.Close()

	gw := newGateway()
	if langs, err := gw.ListLanguages(ctx); err != nil {
		// Remote execution stays unavailable until a later listing succeeds.
		logger.Warn("execution service unreachable", slog.String("url", cfg.Gateway.URL), slog.Any("error", err))
	} else {
		logger.Info("execution service ready", slog.Int("languages", len(langs)))
	}

	server := api.NewServer(api.Deps{
		Executor: exec,
		Language: lang,
		Gateway:  gw,
		Store:    store,
		Config:   cfg,
		Logger:   logger,
	})
	defer server.Close()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			slog.String("addr", srv.Addr),
			slog.String("store", cfg.Store.Backend),
			slog.String("version", version),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-quit:
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}
	logger.Info("server stopped")
	return nil
}

func openStore(c config.StoreConfig) (project.Store, error) {
	switch strings.ToLower(c.Backend) {
	case "memory":
		return project.NewMemoryStore(), nil
	case "redis":
		s, err := project.NewRedisStore(c.Redis.Addr, c.Redis.Password, c.Redis.DB)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Backend)
	}
}
