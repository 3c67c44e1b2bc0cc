package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vnml/orchestrator/common/db"
	"github.com/vnml/orchestrator/common/faults"
)

// ArchivedRequest is one row of the valuation_request archive table. Rows are
// written only on terminal transitions, so the archive is an audit trail, not
// live state.
type ArchivedRequest struct {
	RequestID   string    `json:"requestId"`
	Status      string    `json:"status"`
	GroupCount  int       `json:"groupCount"`
	RetryCount  int       `json:"retryCount"`
	Error       string    `json:"error,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
	CompletedAt time.Time `json:"completedAt"`
}

// RequestRepository handles database operations for archived requests
type RequestRepository struct {
	db *db.DB
}

// NewRequestRepository creates a new request repository
func NewRequestRepository(database *db.DB) *RequestRepository {
	return &RequestRepository{db: database}
}

// Migrate creates the archive table if it doesn't exist
func (r *RequestRepository) Migrate(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS valuation_request (
			request_id   TEXT PRIMARY KEY,
			status       TEXT NOT NULL,
			group_count  INT NOT NULL DEFAULT 0,
			retry_count  INT NOT NULL DEFAULT 0,
			error        TEXT NOT NULL DEFAULT '',
			submitted_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ NOT NULL
		)
	`

	if _, err := r.db.Exec(ctx, query); err != nil {
		return fmt.Errorf("failed to migrate valuation_request: %w", err)
	}

	return nil
}

// Upsert records a terminal request outcome. Replays of the same lifecycle
// record overwrite the row with identical values, so the write is idempotent.
func (r *RequestRepository) Upsert(ctx context.Context, req *ArchivedRequest) error {
	query := `
		INSERT INTO valuation_request (request_id, status, group_count, retry_count, error, submitted_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (request_id) DO UPDATE
		SET status = EXCLUDED.status,
		    group_count = EXCLUDED.group_count,
		    retry_count = EXCLUDED.retry_count,
		    error = EXCLUDED.error,
		    completed_at = EXCLUDED.completed_at
	`

	_, err := r.db.Exec(
		ctx,
		query,
		req.RequestID,
		req.Status,
		req.GroupCount,
		req.RetryCount,
		req.Error,
		nullableTime(req.SubmittedAt),
		req.CompletedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to archive request: %w", err)
	}

	return nil
}

// GetByID retrieves an archived request by its ID
func (r *RequestRepository) GetByID(ctx context.Context, requestID string) (*ArchivedRequest, error) {
	query := `
		SELECT request_id, status, group_count, retry_count, error, COALESCE(submitted_at, 'epoch'::timestamptz), completed_at
		FROM valuation_request
		WHERE request_id = $1
	`

	req := &ArchivedRequest{}
	err := r.db.QueryRow(ctx, query, requestID).Scan(
		&req.RequestID,
		&req.Status,
		&req.GroupCount,
		&req.RetryCount,
		&req.Error,
		&req.SubmittedAt,
		&req.CompletedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, faults.Errorf(faults.NotFound, "request not archived: %s", requestID)
		}
		return nil, fmt.Errorf("failed to get archived request: %w", err)
	}

	return req, nil
}

// ListRecent retrieves the most recently completed requests
func (r *RequestRepository) ListRecent(ctx context.Context, limit int) ([]*ArchivedRequest, error) {
	query := `
		SELECT request_id, status, group_count, retry_count, error, COALESCE(submitted_at, 'epoch'::timestamptz), completed_at
		FROM valuation_request
		ORDER BY completed_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived requests: %w", err)
	}
	defer rows.Close()

	var requests []*ArchivedRequest
	for rows.Next() {
		req := &ArchivedRequest{}
		err := rows.Scan(
			&req.RequestID,
			&req.Status,
			&req.GroupCount,
			&req.RetryCount,
			&req.Error,
			&req.SubmittedAt,
			&req.CompletedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived request: %w", err)
		}
		requests = append(requests, req)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating archived requests: %w", err)
	}

	return requests, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t
}
