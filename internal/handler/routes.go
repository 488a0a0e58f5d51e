package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"serena-relay-go/internal/config"
	"serena-relay-go/internal/metrics"
)

// RegisterRoutes wires all route handlers onto the Echo instance. The relay's
// own endpoints are registered first; everything else falls through to the
// forwarding engine.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, m *metrics.Metrics, relay *RelayHandler, health *HealthHandler, schema *SchemaHandler) {
	// Both liveness spellings answer locally so probes configured for either
	// never leak through to the upstream.
	e.GET("/healthz", health.Healthz)
	e.GET("/health", health.Healthz)
	e.GET("/relay/status", health.Status)

	e.GET("/", schema.Index)
	e.GET("/openapi.json", schema.OpenAPIJSON)
	e.GET("/openapi.txt", schema.OpenAPIText)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(
			promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}),
		))
	}

	e.Any("/*", relay.Handle)
}
