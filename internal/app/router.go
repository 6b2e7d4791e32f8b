package app

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"github.com/ehr/telehealth/internal/domain/telehealth"
	"github.com/ehr/telehealth/internal/domain/videosession"
	"github.com/ehr/telehealth/internal/domain/waitingroom"
	"github.com/ehr/telehealth/internal/platform/auth"
	"github.com/ehr/telehealth/internal/platform/db"
	"github.com/ehr/telehealth/internal/platform/middleware"
	"github.com/ehr/telehealth/internal/platform/notification"
	"github.com/ehr/telehealth/internal/platform/plugin"
	"github.com/ehr/telehealth/internal/platform/websocket"
)

// Version is reported by /health.
const Version = "0.1.0"

// Router builds the HTTP surface: health probes at the root and the
// authenticated API under /api/v1.
func (a *App) Router() *echo.Echo {
	cfg := a.Config

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.Logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.Logger))
	e.Use(a.Telemetry.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))

	modules := a.modules()
	names := modules.Names()
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]interface{}{"status": "ok", "version": Version, "modules": names})
	})
	e.GET("/health/deps", db.HealthHandler(a.healthChecks()...))
	if cfg.MetricsEnabled {
		e.GET("/metrics", a.Telemetry.PrometheusHandler())
	}

	api := e.Group("/api/v1")
	if cfg.ResolvedAuthMode() == "development" {
		a.Logger.Warn().Msg("development auth enabled; every request is trusted")
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	if a.Pool != nil {
		api.Use(db.TenantMiddleware(a.Pool, cfg.DefaultTenant))
	}
	api.Use(middleware.Audit(a.Logger))

	rl := middleware.DefaultRateLimitConfig()
	if cfg.RateLimitRPS > 0 {
		rl.RequestsPerSecond = cfg.RateLimitRPS
	}
	if cfg.RateLimitBurst > 0 {
		rl.BurstSize = cfg.RateLimitBurst
	}
	api.Use(middleware.RateLimit(rl))

	modules.RegisterRoutes(api)

	return e
}

func (a *App) modules() *plugin.Registry {
	return plugin.NewRegistry().
		MustRegister("telehealth", telehealth.NewHandler(a.Telehealth)).
		MustRegister("waiting-room", waitingroom.NewHandler(a.WaitingRoom)).
		MustRegister("video-sessions", videosession.NewHandler(a.Sessions)).
		MustRegister("notifications", notification.NewHandler(a.Notifications)).
		MustRegister("websocket", websocket.NewHandler(a.Hub))
}

func (a *App) healthChecks() []db.Check {
	var checks []db.Check
	if a.Pool != nil {
		checks = append(checks, db.PoolCheck(a.Pool))
	}
	if a.Redis != nil {
		checks = append(checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return a.Redis.Ping(ctx).Err() },
		})
	}
	checks = append(checks, db.Check{
		Name:    "websocket",
		Ping:    func(context.Context) error { return nil },
		Details: func() interface{} { return map[string]int{"clients": a.Hub.ClientCount()} },
	})
	return checks
}
