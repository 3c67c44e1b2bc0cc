package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/vnml/orchestrator/cmd/archiver/handlers"
)

// RegisterArchiveRoutes registers the archive read surface
func RegisterArchiveRoutes(e *echo.Echo, h *handlers.ArchiveHandler) {
	e.GET("/requests", h.List)
	e.GET("/requests/:id", h.Get)
	e.GET("/healthz", h.Health)
}
