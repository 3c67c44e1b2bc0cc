package handlers

import (
	"context"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vnml/orchestrator/cmd/front/service"
	"github.com/vnml/orchestrator/cmd/front/waiter"
	"github.com/vnml/orchestrator/common/config"
	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
)

// ValuationHandler handles valuation submissions and queries
type ValuationHandler struct {
	submissions *service.SubmissionService
	queries     *service.QueryService
	waiter      *waiter.Waiter
	cfg         *config.Config
	log         *logger.Logger
	healthCheck func(ctx context.Context) error
}

// NewValuationHandler creates a new valuation handler
func NewValuationHandler(
	submissions *service.SubmissionService,
	queries *service.QueryService,
	lifecycleWaiter *waiter.Waiter,
	cfg *config.Config,
	log *logger.Logger,
) *ValuationHandler {
	return &ValuationHandler{
		submissions: submissions,
		queries:     queries,
		waiter:      lifecycleWaiter,
		cfg:         cfg,
		log:         log,
	}
}

// WithHealthCheck wires a datastore connectivity probe into the health route
func (h *ValuationHandler) WithHealthCheck(check func(ctx context.Context) error) *ValuationHandler {
	h.healthCheck = check
	return h
}

// Submit accepts a valuation request
// POST /valuation?sync={Y|N}
func (h *ValuationHandler) Submit(c echo.Context) error {
	sync, err := parseSyncFlag(c.QueryParam("sync"))
	if err != nil {
		return h.respondError(c, "", err)
	}

	if !isXMLContentType(c.Request().Header.Get(echo.HeaderContentType)) {
		return h.respondError(c, "", faults.New(faults.InvalidInput, "content type must be application/xml or text/xml"))
	}

	payload, err := h.readPayload(c)
	if err != nil {
		return h.respondError(c, "", err)
	}

	metadata := collectMetadata(c.Request().Header)
	idempotencyKey := c.Request().Header.Get("Idempotency-Key")

	accepted, err := h.submissions.Accept(c.Request().Context(), payload, metadata, idempotencyKey)
	if err != nil {
		return h.respondError(c, "", err)
	}

	if !sync {
		return c.JSON(http.StatusAccepted, map[string]string{
			"requestId": accepted.RequestID,
			"status":    models.StatusAccepted,
		})
	}

	return h.respondSync(c, accepted.RequestID)
}

// respondSync blocks until the request terminates or the sync window closes.
// A reused idempotency key may point at a request that already finished, so
// the state hash is consulted before tailing the lifecycle stream. The tail
// cursor is snapshotted first: a request turning terminal between the status
// check and the wait is caught by the replay from the cursor.
func (h *ValuationHandler) respondSync(c echo.Context, requestID string) error {
	ctx := c.Request().Context()
	cursor := h.waiter.Cursor(ctx)

	if view, err := h.queries.Status(ctx, requestID); err == nil && models.IsTerminal(view.Status) {
		return h.respondOutcome(c, requestID, view.Status)
	}

	event, err := h.waiter.WaitForTerminal(ctx, requestID, cursor, h.cfg.Pipeline.SyncWaitTimeout)
	if err != nil {
		if faults.KindOf(err) == faults.Timeout {
			return c.JSON(http.StatusAccepted, map[string]string{
				"requestId": requestID,
				"status":    models.StatusPending,
			})
		}
		return h.respondError(c, requestID, err)
	}

	return h.respondOutcome(c, requestID, event.Status)
}

// respondOutcome renders a terminal request: response XML on success, a
// failure summary otherwise.
func (h *ValuationHandler) respondOutcome(c echo.Context, requestID, status string) error {
	ctx := c.Request().Context()

	if models.IsTerminalSuccess(status) {
		response, err := h.queries.Results(ctx, requestID)
		if err != nil {
			return h.respondError(c, requestID, err)
		}
		return c.Blob(http.StatusOK, "application/xml", []byte(response))
	}

	summary := h.queries.Failure(ctx, requestID)
	if summary.Detail == "" {
		return c.JSON(http.StatusInternalServerError, summary)
	}
	return c.JSON(http.StatusUnprocessableEntity, summary)
}

// Status returns the current request state
// GET /valuation/:id/status
func (h *ValuationHandler) Status(c echo.Context) error {
	requestID := c.Param("id")

	view, err := h.queries.Status(c.Request().Context(), requestID)
	if err != nil {
		return h.respondError(c, requestID, err)
	}

	return c.JSON(http.StatusOK, view)
}

// Results returns the response XML for a finished request
// GET /valuation/:id/results
func (h *ValuationHandler) Results(c echo.Context) error {
	requestID := c.Param("id")

	response, err := h.queries.Results(c.Request().Context(), requestID)
	if err != nil {
		if faults.KindOf(err) == faults.TaskFailure {
			return c.JSON(http.StatusUnprocessableEntity, h.queries.Failure(c.Request().Context(), requestID))
		}
		return h.respondError(c, requestID, err)
	}

	return c.Blob(http.StatusOK, "application/xml", []byte(response))
}

// Health is the liveness probe
// GET /healthz
func (h *ValuationHandler) Health(c echo.Context) error {
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

// readPayload reads the request body up to the configured size limit
func (h *ValuationHandler) readPayload(c echo.Context) ([]byte, error) {
	limit := h.cfg.Pipeline.PayloadMaxBytes

	payload, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return nil, faults.Wrap(faults.InvalidInput, err, "failed to read payload")
	}
	if int64(len(payload)) > limit {
		return nil, faults.Errorf(faults.PayloadTooLarge, "payload exceeds %d bytes", limit)
	}
	return payload, nil
}

// respondError maps a fault kind onto an HTTP error response
func (h *ValuationHandler) respondError(c echo.Context, requestID string, err error) error {
	status := faults.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error("request failed", "path", c.Path(), "error", err)
	}

	body := map[string]string{"error": err.Error()}
	if requestID != "" {
		body["requestId"] = requestID
	}
	return c.JSON(status, body)
}

func parseSyncFlag(raw string) (bool, error) {
	switch raw {
	case "", "N":
		return false, nil
	case "Y":
		return true, nil
	default:
		return false, faults.Errorf(faults.InvalidInput, "invalid sync flag: %q", raw)
	}
}

func isXMLContentType(contentType string) bool {
	mediaType := strings.TrimSpace(strings.Split(contentType, ";")[0])
	return mediaType == "application/xml" || mediaType == "text/xml"
}

// collectMetadata extracts X-* headers as submission metadata
func collectMetadata(header http.Header) map[string]string {
	metadata := make(map[string]string)
	for name, values := range header {
		if strings.HasPrefix(name, "X-") && len(values) > 0 {
			metadata[name] = values[0]
		}
	}
	if len(metadata) == 0 {
		return nil
	}
	return metadata
}
