package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"imagesearch/internal/handlers"
	"imagesearch/internal/storage"

	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server and the indexing worker",
		RunE:  runServe,
	}
	cmd.Flags().String("listen", "", "override listen address (host:port)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if f := cmd.Flags().Lookup("listen"); f != nil && f.Value.String() != "" {
		cfg.Server.Listen = f.Value.String()
	}

	ctx, stop := exitOnSignal(cmd.Context())
	defer stop()

	a, err := newApp(ctx, cfg, wireOptions{models: true, hub: true})
	if err != nil {
		return err
	}
	defer a.close()

	routes := handlers.RouterConfig{
		CORSOrigins:     cfg.Server.CORSOrigins,
		AdminEnabled:    cfg.Server.AdminAPIEnabled,
		AdminToken:      cfg.Auth.AdminToken,
		AccessToken:     cfg.Auth.AccessToken,
		AccessProtected: cfg.Auth.AccessProtected,
	}
	if l, ok := a.storage.(*storage.Local); ok {
		routes.StaticRoot = l.Root()
	}
	if routes.AdminEnabled && cfg.Auth.AdminToken == "" {
		slog.Warn("auth.admin_token is empty, every admin request will be rejected")
	}

	// graceful shutdown!
	srv := &http.Server{
		Addr:    cfg.Server.Listen,
		Handler: handlers.NewRouter(routes, a.engine, a.processor, a.hub),
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("server starting", "listen", cfg.Server.Listen, "storage", a.storage.Kind())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down", "queued", a.processor.QueueLength())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown failed", "error", err)
	}
	return nil
}

// exitOnSignal cancels ctx on SIGINT or SIGTERM.
func exitOnSignal(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
