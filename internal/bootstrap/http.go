package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/target/jobflow/config"
	httpx "github.com/target/jobflow/internal/http"
)

const defaultShutdownTimeout = 15 * time.Second

// HTTPServerConfig contains configuration for HTTP server.
type HTTPServerConfig struct {
	Config   *config.AppConfig
	Services *ServiceContainer
	Logger   *slog.Logger

	// Listener overrides HTTP.Addr when set.
	Listener  net.Listener
	Readiness []httpx.ReadinessCheck
}

// NewHTTPServer builds the HTTP server for the job API.
func NewHTTPServer(cfg *HTTPServerConfig) (*http.Server, error) {
	if cfg == nil || cfg.Config == nil || cfg.Services == nil {
		return nil, errors.New("http server config, app config and services are required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	appCfg := cfg.Config

	handler := httpx.NewRouter(httpx.RouterServices{
		Jobs:            cfg.Services.Jobs,
		Uploads:         cfg.Services.Backends.Uploads,
		Auth:            appCfg.Auth,
		MaxFiles:        appCfg.Uploads.MaxFiles,
		MaxRequestBytes: appCfg.HTTP.MaxRequestBytes,
		Logger:          logger,
		Readiness:       cfg.Readiness,
	})

	addr := appCfg.HTTP.Addr
	// Guard against empty addr to avoid listening on Go default
	if addr == "" {
		addr = ":8080"
	}

	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: appCfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      appCfg.HTTP.WriteTimeout,
		IdleTimeout:       appCfg.HTTP.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelError),
	}, nil
}

// RunHTTPServer serves until ctx is cancelled and then shuts the server down,
// giving in-flight requests HTTP.ShutdownTimeout to finish.
func RunHTTPServer(ctx context.Context, cfg *HTTPServerConfig) error {
	server, err := NewHTTPServer(cfg)
	if err != nil {
		return err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	errCh := make(chan error, 1)
	go func() {
		if cfg.Listener != nil {
			logger.InfoContext(ctx, "starting HTTP server", "addr", cfg.Listener.Addr().String())
			errCh <- server.Serve(cfg.Listener)
			return
		}
		logger.InfoContext(ctx, "starting HTTP server", "addr", server.Addr)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.InfoContext(ctx, "shutting down HTTP server")
	timeout := cfg.Config.HTTP.ShutdownTimeout
	if timeout <= 0 {
		timeout = defaultShutdownTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}
	<-errCh
	return nil
}
