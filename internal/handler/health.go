package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"rewrite-proxy/internal/config"
	"rewrite-proxy/internal/session"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	version  Version
	sessions *session.Manager
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, sessions *session.Manager) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, sessions: sessions}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  string(h.version),
		"sessions": h.sessions.Len(),
		"identity": h.cfg.Session.Identity,
		"store":    h.cfg.Session.Store,
		"disabled": h.cfg.Server.Disabled,
	})
}
