package handler

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"serena-relay-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves liveness and status endpoints. Both answer for the
// relay process itself, independent of upstream reachability, and never touch
// the forwarding data path.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a liveness response. Clients sending
// Accept: application/health get a bare 204; everyone else gets JSON.
func (h *HealthHandler) Healthz(c echo.Context) error {
	if strings.Contains(c.Request().Header.Get("Accept"), "application/health") {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, map[string]bool{
		"ok": true,
	})
}

// Status returns relay status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":       "ok",
		"service":      h.cfg.Relay.ServiceName,
		"version":      string(h.version),
		"upstream_url": h.cfg.Upstream.BaseURL,
	})
}
