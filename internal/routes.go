package internal

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/karloscodes/cartridge"
	cartridgemiddleware "github.com/karloscodes/cartridge/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trafficdash/internal/config"
	"trafficdash/internal/http"
)

// MountRoutes returns the route mount function of the dashboard
func MountRoutes(dashboard *http.Dashboard, gatherer prometheus.Gatherer) func(*cartridge.Server) {
	return func(srv *cartridge.Server) {
		cfg := config.GetConfig()

		// Helper to conditionally apply rate limiting (only in production)
		// In development/test, rate limiting would interfere with testing
		conditionalRateLimiter := func(limiter fiber.Handler) fiber.Handler {
			return func(c *fiber.Ctx) error {
				if cfg.IsProduction() {
					return limiter(c)
				}
				return c.Next()
			}
		}

		// Manual live refreshes hit the real-time API directly, so they share
		// its quota with the poller (6 requests per minute per IP)
		liveRateLimiter := conditionalRateLimiter(cartridgemiddleware.RateLimiter(
			cartridgemiddleware.WithMax(6),
			cartridgemiddleware.WithDuration(time.Minute),
		))

		liveRefreshConfig := &cartridge.RouteConfig{
			CustomMiddleware: []fiber.Handler{liveRateLimiter},
		}

		// Health check endpoint
		srv.Get("/_health", dashboard.HealthIndexAction)
		srv.Head("/_health", dashboard.HealthIndexAction)

		// === SERIES AND CHARTS ===
		srv.Get("/api/series/:family", dashboard.SeriesAction)
		srv.Get("/api/charts/overview", dashboard.OverviewAction)
		srv.Get("/api/charts/geo", dashboard.GeoAction)
		srv.Get("/api/charts/live", dashboard.LiveAction)
		srv.Post("/api/live/refresh", dashboard.LiveRefreshAction, liveRefreshConfig)

		// === ANNOTATIONS ===
		srv.Post("/api/annotations/:family/:date", dashboard.AnnotationUpdateAction)

		// === METRICS ===
		srv.App().Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}
