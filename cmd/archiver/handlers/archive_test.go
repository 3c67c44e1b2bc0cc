package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vnml/orchestrator/common/faults"
	"github.com/vnml/orchestrator/common/logger"
	"github.com/vnml/orchestrator/common/models"
	"github.com/vnml/orchestrator/common/repository"
)

// fakeArchive serves rows from memory
type fakeArchive struct {
	rows       map[string]*repository.ArchivedRequest
	listLimits []int
}

func (f *fakeArchive) GetByID(_ context.Context, requestID string) (*repository.ArchivedRequest, error) {
	row, ok := f.rows[requestID]
	if !ok {
		return nil, faults.Errorf(faults.NotFound, "request not archived: %s", requestID)
	}
	return row, nil
}

func (f *fakeArchive) ListRecent(_ context.Context, limit int) ([]*repository.ArchivedRequest, error) {
	f.listLimits = append(f.listLimits, limit)
	var rows []*repository.ArchivedRequest
	for _, row := range f.rows {
		rows = append(rows, row)
	}
	return rows, nil
}

func archivedRow(requestID string) *repository.ArchivedRequest {
	return &repository.ArchivedRequest{
		RequestID:   requestID,
		Status:      models.StatusSucceeded,
		GroupCount:  2,
		CompletedAt: time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC),
	}
}

func doRequest(handler *ArchiveHandler, target string, fn func(echo.Context) error, requestID string) *httptest.ResponseRecorder {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	if requestID != "" {
		c.SetParamNames("id")
		c.SetParamValues(requestID)
	}
	_ = fn(c)
	return rec
}

func newHandler(archive Archive) *ArchiveHandler {
	return NewArchiveHandler(archive, logger.New("error", "json"))
}

func TestGetReturnsArchivedRequest(t *testing.T) {
	archive := &fakeArchive{rows: map[string]*repository.ArchivedRequest{"r1": archivedRow("r1")}}
	handler := newHandler(archive)

	rec := doRequest(handler, "/requests/r1", handler.Get, "r1")
	require.Equal(t, http.StatusOK, rec.Code)

	var row repository.ArchivedRequest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &row))
	assert.Equal(t, "r1", row.RequestID)
	assert.Equal(t, models.StatusSucceeded, row.Status)
	assert.Equal(t, 2, row.GroupCount)
}

func TestGetUnknownRequest(t *testing.T) {
	handler := newHandler(&fakeArchive{rows: map[string]*repository.ArchivedRequest{}})

	rec := doRequest(handler, "/requests/missing", handler.Get, "missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListDefaultsAndCapsLimit(t *testing.T) {
	archive := &fakeArchive{rows: map[string]*repository.ArchivedRequest{"r1": archivedRow("r1")}}
	handler := newHandler(archive)

	rec := doRequest(handler, "/requests", handler.List, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(handler, "/requests?limit=9999", handler.List, "")
	require.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int{defaultListLimit, maxListLimit}, archive.listLimits)
}

func TestListRejectsInvalidLimit(t *testing.T) {
	handler := newHandler(&fakeArchive{rows: map[string]*repository.ArchivedRequest{}})

	rec := doRequest(handler, "/requests?limit=zero", handler.List, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEmptyArchive(t *testing.T) {
	handler := newHandler(&fakeArchive{rows: map[string]*repository.ArchivedRequest{}})

	rec := doRequest(handler, "/requests", handler.List, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
}
