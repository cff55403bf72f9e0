package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/wopan/gateway/internal/config"
	"github.com/wopan/gateway/internal/gateway"
	"github.com/wopan/gateway/internal/signals"
	"github.com/wopan/gateway/internal/tokenpool"
)

// errStartupFailed marks a failure that occurred before the server began
// serving requests (bad bind address, unreadable tokens file, ...).
var errStartupFailed = errors.New("gateway: startup failed")

func newRunCmd() *cobra.Command {
	var (
		host       string
		port       int
		serverMode string
		workers    int
		threads    int
		tokensFile string
		adminKey   string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cmd.Flags().Changed("host") || cmd.Flags().Changed("port") {
				cfg.ListenAddr = fmt.Sprintf("%s:%d", host, port)
			}
			if cmd.Flags().Changed("server") {
				cfg.ServerMode = serverMode
			}
			if tokensFile != "" {
				cfg.TokensFile = tokensFile
			}
			if adminKey != "" {
				cfg.AdminKey = adminKey
			}

			logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

			pool, err := tokenpool.Load(cfg.TokensFile)
			if err != nil {
				logger.Error("failed to load token pool", "tokens_file", cfg.TokensFile, "error", err)
				return errStartupFailed
			}

			// serverMode/workers/threads mirror the upstream prototype's
			// sync/threaded/async worker model; net/http's handler is
			// inherently concurrent, so these are only logged and never
			// branch behavior.
			logger.Info("starting gateway",
				"addr", cfg.ListenAddr,
				"server_mode", cfg.ServerMode,
				"workers", workers,
				"threads", threads,
				"tokens_file", cfg.TokensFile,
			)

			handler := gateway.New(cfg, pool, logger)
			srv := &http.Server{
				Addr:         cfg.ListenAddr,
				Handler:      handler,
				ReadTimeout:  30 * time.Second,
				WriteTimeout: 0, // streaming upload/download responses run long
			}

			ctx, stop := signal.NotifyContext(context.Background(), signals.Shutdown...)
			defer stop()

			serveErr := make(chan error, 1)
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
					return
				}
				serveErr <- nil
			}()

			select {
			case err := <-serveErr:
				if err != nil {
					logger.Error("server failed to start", "error", err)
					return errStartupFailed
				}
				return nil
			case <-ctx.Done():
				logger.Info("shutdown signal received, draining connections")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Error("graceful shutdown failed", "error", err)
				}
				<-serveErr
				os.Exit(130)
				return nil
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "Address to bind to")
	cmd.Flags().IntVar(&port, "port", 8000, "Port to listen on")
	cmd.Flags().StringVar(&serverMode, "server", "auto", "Server mode: auto|threaded|async")
	cmd.Flags().IntVar(&workers, "workers", 4, "Hint for async worker count")
	cmd.Flags().IntVar(&threads, "threads", 4, "Hint for threaded-mode thread count")
	cmd.Flags().StringVar(&tokensFile, "tokens-file", "", "Path to tokens.json (overrides WOPAN_TOKENS_FILE)")
	cmd.Flags().StringVar(&adminKey, "admin-key", "", "Admin API key (overrides WOPAN_ADMIN_KEY)")

	return cmd
}
