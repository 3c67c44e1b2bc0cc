package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/vnml/orchestrator/cmd/front/handlers"
)

// RegisterValuationRoutes registers the valuation HTTP surface
func RegisterValuationRoutes(e *echo.Echo, h *handlers.ValuationHandler) {
	e.POST("/valuation", h.Submit)
	e.GET("/valuation/:id/status", h.Status)
	e.GET("/valuation/:id/results", h.Results)
	e.GET("/healthz", h.Health)
}
