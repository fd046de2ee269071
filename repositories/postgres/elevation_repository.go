package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

const uniqueViolation = "23505"

const elevationColumns = `id, session_id, user_id, requester, domain, elevation_type, run_as_account,
	reason, target_process, target_command, status, requested_at, expires_at,
	approved_by, approved_at, denied_reason, outcome, auto_approved, risk_score,
	compliance_flags, updated_at`

// ElevationRepository implements repositories.ElevationRepository
type ElevationRepository struct {
	db     *DB
	logger *zap.Logger
}

// NewElevationRepository creates a new elevation repository
func NewElevationRepository(db *DB, logger *zap.Logger) *ElevationRepository {
	return &ElevationRepository{db: db, logger: logger}
}

var _ repositories.ElevationRepository = (*ElevationRepository)(nil)

// Create inserts a new elevation request. The partial unique index
// uq_pam_live_target rejects a second live request for the same slot.
func (r *ElevationRepository) Create(ctx context.Context, req *models.ElevationRequest) error {
	query := `
		INSERT INTO pam_elevation_requests (` + elevationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21)
	`

	flags := req.ComplianceFlags
	if flags == nil {
		flags = []string{}
	}

	executor := GetExecutor(ctx, r.db)
	_, err := executor.ExecContext(ctx, query,
		req.ID,
		req.SessionID,
		req.UserID,
		req.Requester,
		req.Domain,
		req.ElevationType,
		req.RunAsAccount,
		req.Reason,
		req.TargetProcess,
		req.TargetCommand,
		req.Status,
		req.RequestedAt,
		req.ExpiresAt,
		req.ApprovedBy,
		req.ApprovedAt,
		req.DeniedReason,
		req.Outcome,
		req.AutoApproved,
		req.RiskScore,
		pq.Array(flags),
		req.UpdatedAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return repositories.ErrDuplicateLive
		}
		return fmt.Errorf("failed to insert elevation request: %w", err)
	}

	r.logger.Debug("elevation request inserted",
		zap.String("id", req.ID.String()),
		zap.String("status", string(req.Status)))
	return nil
}

// GetByID retrieves an elevation request by ID
func (r *ElevationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ElevationRequest, error) {
	query := `SELECT ` + elevationColumns + ` FROM pam_elevation_requests WHERE id = $1`

	executor := GetExecutor(ctx, r.db)
	req, err := scanElevation(executor.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repositories.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get elevation request: %w", err)
	}
	return req, nil
}

// Transition performs the compare-and-set in a single UPDATE statement
func (r *ElevationRepository) Transition(ctx context.Context, id uuid.UUID, t *models.StatusTransition) (*models.ElevationRequest, error) {
	query := `
		UPDATE pam_elevation_requests
		SET status = $2,
		    updated_at = $3,
		    approved_by = COALESCE($4, approved_by),
		    approved_at = COALESCE($5, approved_at),
		    expires_at = COALESCE($6, expires_at),
		    denied_reason = COALESCE($7, denied_reason),
		    outcome = COALESCE($8, outcome)
		WHERE id = $1
		  AND status = ANY($9::text[])
		  AND ($10::timestamptz IS NULL OR requested_at > $10)
		  AND ($11::timestamptz IS NULL OR expires_at > $11)
		RETURNING ` + elevationColumns

	from := make([]string, len(t.From))
	for i, s := range t.From {
		from[i] = string(s)
	}

	executor := GetExecutor(ctx, r.db)
	req, err := scanElevation(executor.QueryRowContext(ctx, query,
		id,
		t.To,
		t.At,
		t.ApprovedBy,
		t.ApprovedAt,
		t.ExpiresAt,
		t.DeniedReason,
		t.Outcome,
		pq.Array(from),
		t.RequestedAfter,
		t.ExpiresAfter,
	))
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to transition elevation request: %w", err)
	}

	current, getErr := r.GetByID(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	return current, repositories.ErrTransitionRefused
}

// List returns requests matching the filter in (requested_at, id) order
func (r *ElevationRepository) List(ctx context.Context, f models.ElevationFilter) ([]*models.ElevationRequest, error) {
	var (
		conds []string
		args  []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.SessionID != nil {
		conds = append(conds, "session_id = "+arg(*f.SessionID))
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+arg(f.UserID))
	}
	if f.ElevationType != nil {
		conds = append(conds, "elevation_type = "+arg(*f.ElevationType))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		conds = append(conds, "status = ANY("+arg(pq.Array(statuses))+"::text[])")
	}
	if f.Since != nil {
		conds = append(conds, "requested_at >= "+arg(*f.Since))
	}
	if f.Until != nil {
		conds = append(conds, "requested_at < "+arg(*f.Until))
	}
	if f.After != nil {
		conds = append(conds, fmt.Sprintf("(requested_at, id) > (%s, %s)", arg(f.After.RequestedAt), arg(f.After.ID)))
	}

	query := `SELECT ` + elevationColumns + ` FROM pam_elevation_requests`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY requested_at, id"
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	return r.queryElevations(ctx, query, args...)
}

// ListDue returns live requests whose deadline has passed
func (r *ElevationRepository) ListDue(ctx context.Context, pendingCutoff, now time.Time, limit int) ([]*models.ElevationRequest, error) {
	query := `
		SELECT ` + elevationColumns + `
		FROM pam_elevation_requests
		WHERE (status = 'pending' AND requested_at <= $1)
		   OR (status IN ('approved', 'active') AND expires_at <= $2)
		ORDER BY requested_at, id
		LIMIT $3
	`
	if limit <= 0 {
		limit = 1000
	}
	return r.queryElevations(ctx, query, pendingCutoff, now, limit)
}

// Stats aggregates request counts by status and type
func (r *ElevationRepository) Stats(ctx context.Context) (*models.ElevationStats, error) {
	query := `
		SELECT status, elevation_type, COUNT(*)
		FROM pam_elevation_requests
		GROUP BY status, elevation_type
	`

	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query elevation stats: %w", err)
	}
	defer rows.Close()

	stats := &models.ElevationStats{
		ByStatus: make(map[models.ElevationStatus]int64),
		ByType:   make(map[models.ElevationType]int64),
	}
	for rows.Next() {
		var (
			status models.ElevationStatus
			etype  models.ElevationType
			count  int64
		)
		if err := rows.Scan(&status, &etype, &count); err != nil {
			return nil, fmt.Errorf("failed to scan elevation stats: %w", err)
		}
		stats.Total += count
		stats.ByStatus[status] += count
		stats.ByType[etype] += count
		if status.IsLive() {
			stats.Live += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating elevation stats: %w", err)
	}
	return stats, nil
}

func (r *ElevationRepository) queryElevations(ctx context.Context, query string, args ...interface{}) ([]*models.ElevationRequest, error) {
	executor := GetExecutor(ctx, r.db)
	rows, err := executor.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query elevation requests: %w", err)
	}
	defer rows.Close()

	out := make([]*models.ElevationRequest, 0)
	for rows.Next() {
		req, err := scanElevation(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan elevation request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating elevation requests: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanElevation(row rowScanner) (*models.ElevationRequest, error) {
	req := &models.ElevationRequest{}
	var flags pq.StringArray
	err := row.Scan(
		&req.ID,
		&req.SessionID,
		&req.UserID,
		&req.Requester,
		&req.Domain,
		&req.ElevationType,
		&req.RunAsAccount,
		&req.Reason,
		&req.TargetProcess,
		&req.TargetCommand,
		&req.Status,
		&req.RequestedAt,
		&req.ExpiresAt,
		&req.ApprovedBy,
		&req.ApprovedAt,
		&req.DeniedReason,
		&req.Outcome,
		&req.AutoApproved,
		&req.RiskScore,
		&flags,
		&req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	req.ComplianceFlags = []string(flags)
	if req.ComplianceFlags == nil {
		req.ComplianceFlags = []string{}
	}
	return req, nil
}
