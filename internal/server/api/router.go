package api

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dropit/internal/server/auth"
	"dropit/internal/server/config"
	"dropit/internal/server/metrics"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, authn *auth.Authenticator, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	if cfg.BehindProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization, AdminTokenHeader},
		ExposeHeaders: []string{StatusTrailer},
	}))
	e.Use(RequestLogger())

	// Rate limiter on upload endpoint only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)

	// Health, stats & metrics
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})))

	// Upload (rate-limited)
	e.POST("/api/upload", handler.HandleUpload, uploadLimiter.Middleware(), authn.Middleware(auth.FeatureUpload))

	// Download & info
	download := authn.Middleware(auth.FeatureDownload)
	e.GET("/api/info/:alias", handler.HandleInfo, download)
	e.GET("/:alias", handler.HandleDownload, download)

	// Administration, authorized by the admin token
	e.DELETE("/:alias", handler.HandleRevoke)
	e.PATCH("/:alias/downloads/:count", handler.HandleSetDownloads)
	e.PATCH("/:alias/alias/:kind", handler.HandleRotateAlias)

	return e
}
