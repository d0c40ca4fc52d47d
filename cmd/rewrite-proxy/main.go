package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"
	"gopkg.in/natefinch/lumberjack.v2"

	"rewrite-proxy/internal/client"
	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/handler"
	"rewrite-proxy/internal/kvstore"
	"rewrite-proxy/internal/metrics"
	"rewrite-proxy/internal/middleware"
	"rewrite-proxy/internal/rewrite"
	"rewrite-proxy/internal/rules"
	"rewrite-proxy/internal/service"
	"rewrite-proxy/internal/session"
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
		kong.Name("rewrite-proxy"),
		kong.Description("Content-rewriting web proxy."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newEcho,
			newStore,
			session.NewManager,
			loadRules,
			client.NewUpstreamClient,
			rewrite.NewPipeline,
			service.NewProxyService,
			handler.NewProxyHandler,
			handler.NewHealthHandler,
		),
		fx.Invoke(handler.RegisterRoutes, warnConfigPermissions, manageSessions, startServer),
	).Run()
}

func newLogger(lc fx.Lifecycle, cfg *config.Config) *slog.Logger {
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

	var w io.Writer = os.Stdout
	if cfg.Log.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   cfg.Log.Compress,
		}
		w = io.MultiWriter(os.Stdout, rotator)
		lc.Append(fx.StopHook(rotator.Close))
	}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(w, opts)
	default:
		h = slog.NewJSONHandler(w, opts)
	}

	return slog.New(h)
}

func newEcho(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Inbound timeouts to mitigate slow-client attacks.
	e.Server.ReadTimeout = 30 * time.Second
	// Responses are fully buffered, so the write deadline only has to cover
	// the upstream fetch plus the rewrite.
	e.Server.WriteTimeout = time.Duration(cfg.Upstream.TimeoutSeconds)*time.Second + 30*time.Second
	e.Server.IdleTimeout = 120 * time.Second
	e.Server.ReadHeaderTimeout = 10 * time.Second

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(middleware.RequestLogger(logger))
	if cfg.Metrics.Enabled {
		e.Use(middleware.MetricsMiddleware(m, cfg.Proxy.Path, cfg.Metrics.Path, "/healthz", "/proxy/status"))
	}
	e.Use(echomw.BodyLimit(fmt.Sprintf("%dB", cfg.Server.BodyMaxBytes)))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.Guard(&cfg.Server))

	if cfg.Server.RateLimit.Enabled {
		e.Use(middleware.RateLimiter(cfg.Server.RateLimit))
		logger.Info("rate limiter enabled",
			"rps", cfg.Server.RateLimit.RequestsPerSecond,
			"allowlist", len(cfg.Server.RateLimit.Allowlist),
		)
	}

	return e
}

// newStore opens the session store selected by session.store.
func newStore(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger) (kvstore.Store, error) {
	var (
		store kvstore.Store
		err   error
	)
	switch cfg.Session.Store {
	case config.StoreFile:
		store, err = kvstore.OpenFile(cfg.Session.FilePath)
	case config.StorePostgres:
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		store, err = kvstore.OpenPostgres(ctx, cfg.Session.PostgresDSN)
	default:
		store = kvstore.NewMemory()
	}
	if err != nil {
		return nil, fmt.Errorf("open %s session store: %w", cfg.Session.Store, err)
	}

	logger.Info("session store ready", "backend", cfg.Session.Store)
	lc.Append(fx.StopHook(store.Close))
	return store, nil
}

func loadRules(cfg *config.Config, logger *slog.Logger) (rules.RuleSet, error) {
	if cfg.Proxy.RulesPath == "" {
		return nil, nil
	}
	rs, err := rules.Load(cfg.Proxy.RulesPath)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	logger.Info("site rules loaded", "rules", len(rs), "domains", len(rs.Domains()))
	return rs, nil
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// manageSessions restores sessions on start, persists them periodically and
// writes a final snapshot on stop.
func manageSessions(lc fx.Lifecycle, sessions *session.Manager, cfg *config.Config, logger *slog.Logger) {
	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sessions.Restore(ctx); err != nil {
				logger.Error("session restore failed, starting empty", "err", err)
			}
			go func() {
				defer close(done)
				sessions.Run(runCtx, cfg.Session.PersistInterval())
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
				return ctx.Err()
			}
			if err := sessions.Persist(ctx); err != nil {
				return fmt.Errorf("final session persist: %w", err)
			}
			logger.Info("sessions persisted", "count", sessions.Len())
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, e *echo.Echo, cfg *config.Config, logger *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			addr := cfg.Server.Addr()
			ln, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("bind %s: %w", addr, err)
			}
			logger.Info("starting server",
				"addr", addr,
				"proxy_path", cfg.Proxy.Path,
				"public_url", cfg.Proxy.PublicURL,
			)
			go func() {
				if err := e.Server.Serve(ln); err != nil && err != http.ErrServerClosed {
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
