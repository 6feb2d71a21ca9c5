package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/meditrack/meditrack/internal/config"
	"github.com/meditrack/meditrack/internal/domain/clinic"
	"github.com/meditrack/meditrack/internal/platform/backup"
	"github.com/meditrack/meditrack/internal/platform/middleware"
	"github.com/meditrack/meditrack/internal/platform/websocket"
)

func runServer() error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStorage(ctx, cfg, loc, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to open storage")
		return err
	}
	defer st.close()

	svc := clinic.NewService(st.store, logger)

	hub := websocket.NewHub(logger)
	svc.SetPublisher(hub)

	target, err := backup.New(ctx, backupConfig(cfg), logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to configure backup target")
		return err
	}
	if target != nil {
		svc.SetBackupTarget(target)
		logger.Info().Str("target", cfg.BackupTarget).Msg("backup target configured")
	}

	if cfg.SeedSettings {
		created, err := svc.SeedSettings(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("failed to seed clinic settings")
			return err
		}
		if created {
			logger.Info().Msg("default clinic settings created")
		}
	}

	if cfg.AutoSyncInterval > 0 {
		if target == nil {
			logger.Warn().Msg("AUTO_SYNC_INTERVAL is set but no backup target is configured; auto-sync disabled")
		} else {
			go clinic.NewAutoSyncer(svc, cfg.AutoSyncInterval, logger).Start(ctx)
		}
	}

	e := newServer(cfg, svc, hub, loc, st.health, logger)

	addr := ":" + cfg.Port
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Str("storage", cfg.StorageDriver).Msg("starting server")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and every route. health
// may be nil when the engine has nothing to probe.
func newServer(cfg *config.Config, svc *clinic.Service, hub *websocket.Hub, loc *time.Location, health echo.HandlerFunc, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger, "/health"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders:  []string{echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{"X-Total-Count", middleware.RequestIDHeader},
	}))
	e.Use(middleware.SecurityHeaders(cfg.TLSEnabled))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"storage": cfg.StorageDriver,
			"version": version,
		})
	})
	if health != nil {
		e.GET("/health/db", health)
	}

	api := e.Group("/api")
	rl := middleware.DefaultRateLimitConfig()
	rl.RequestsPerSecond = cfg.RateLimitRPS
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	api.Use(middleware.RateLimit(rl))

	clinic.NewHandler(svc, loc).RegisterRoutes(api)
	websocket.NewHandler(hub, cfg.CORSOrigins).RegisterRoutes(api)

	return e
}

// httpErrorHandler renders every error as JSON. String messages become
// {"message": ...}; structured messages are written as-is.
func httpErrorHandler(logger zerolog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		var body interface{} = map[string]string{"message": "Internal server error"}

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			switch m := he.Message.(type) {
			case string:
				body = map[string]string{"message": m}
			case error:
				body = map[string]string{"message": m.Error()}
			case nil:
				body = map[string]string{"message": http.StatusText(code)}
			default:
				body = m
			}
		} else {
			logger.Error().Err(err).Str("path", c.Request().URL.Path).Msg("unhandled error")
		}

		var werr error
		if c.Request().Method == http.MethodHead {
			werr = c.NoContent(code)
		} else {
			werr = c.JSON(code, body)
		}
		if werr != nil {
			logger.Error().Err(werr).Msg("failed to write error response")
		}
	}
}
