package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"civic-data-gateway/internal/client"
	"civic-data-gateway/internal/config"
	"civic-data-gateway/internal/handler"
	"civic-data-gateway/internal/metrics"
	"civic-data-gateway/internal/middleware"
	"civic-data-gateway/internal/route"
	"civic-data-gateway/internal/service"
	"civic-data-gateway/internal/tracing"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("civic-gateway"),
		kong.Description("API gateway between the Civic Data Trust frontend and its backend service."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			newTracer,
			metrics.New,
			newEcho,
			route.NewTable,
			fx.Annotate(client.NewBackendClient, fx.As(new(service.Backend))),
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, logRoutes, startServer),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h).With("service", "civic-gateway")
}

func newTracer(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (*tracing.Tracer, error) {
	tr, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, err
	}
	if tr.Enabled() {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.Endpoint, "service_name", cfg.Tracing.ServiceName)
	}
	lc.Append(fx.Hook{
		OnStop: tr.Shutdown,
	})
	return tr, nil
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, tr *tracing.Tracer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Server.ReadTimeout = 30 * time.Second
	// Bounded by the backend timeout plus headroom for writing the reply.
	e.Server.WriteTimeout = time.Duration(cfg.Backend.TimeoutSeconds)*time.Second + 10*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestIDWithConfig(echomw.RequestIDConfig{Generator: uuid.NewString}))
	e.Use(middleware.Tracing(tr))
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	if cfg.Log.LogBodies {
		e.Use(middleware.BodyLogger(logger))
		logger.Warn("body logging enabled; password fields are redacted but other payload data is logged at debug level")
	}
	e.Use(middleware.SecurityHeaders())

	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

func logRoutes(table *route.Table, logger *slog.Logger) {
	for _, r := range table.Routes() {
		logger.Debug("route", "name", r.Name, "method", r.Method, "path", r.Path, "backend_path", r.BackendPath)
	}
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, table *route.Table, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server", "addr", addr, "backend", cfg.Backend.BaseURL, "routes", table.Len())
			go func() {
				if err := e.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server error", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("shutting down server")
			return e.Shutdown(ctx)
		},
	})
}
