package handlers

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/repository"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// Archive is the read side of the request archive
type Archive interface {
	GetByID(ctx context.Context, requestID string) (*repository.ArchivedRequest, error)
	ListRecent(ctx context.Context, limit int) ([]*repository.ArchivedRequest, error)
}

// ArchiveHandler serves archived terminal requests. The archive outlives the
// datastore TTL, so this is where expired requests remain queryable.
type ArchiveHandler struct {
	archive     Archive
	log         *logger.Logger
	healthCheck func(ctx context.Context) error
}

// NewArchiveHandler creates a new archive handler
func NewArchiveHandler(archive Archive, log *logger.Logger) *ArchiveHandler {
	return &ArchiveHandler{
		archive: archive,
		log:     log,
	}
}

// WithHealthCheck wires a backend connectivity probe into the health route
func (h *ArchiveHandler) WithHealthCheck(check func(ctx context.Context) error) *ArchiveHandler {
	h.healthCheck = check
	return h
}

// Get returns one archived request
// GET /requests/:id
func (h *ArchiveHandler) Get(c echo.Context) error {
	requestID := c.Param("id")

	row, err := h.archive.GetByID(c.Request().Context(), requestID)
	if err != nil {
		return h.respondError(c, err)
	}

	return c.JSON(http.StatusOK, row)
}

// List returns the most recently completed requests
// GET /requests?limit=N
func (h *ArchiveHandler) List(c echo.Context) error {
	limit, err := parseLimit(c.QueryParam("limit"))
	if err != nil {
		return h.respondError(c, err)
	}

	rows, err := h.archive.ListRecent(c.Request().Context(), limit)
	if err != nil {
		return h.respondError(c, err)
	}
	if rows == nil {
		rows = []*repository.ArchivedRequest{}
	}

	return c.JSON(http.StatusOK, rows)
}

// Health is the liveness probe
// GET /healthz
func (h *ArchiveHandler) Health(c echo.Context) error {
	if h.healthCheck != nil {
		if err := h.healthCheck(c.Request().Context()); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
				"error":  err.Error(),
			})
		}
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *ArchiveHandler) respondError(c echo.Context, err error) error {
	status := faults.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("archive query failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, map[string]string{"error": err.Error()})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 {
		return 0, faults.Errorf(faults.InvalidInput, "invalid limit: %q", raw)
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	return limit, nil
}
