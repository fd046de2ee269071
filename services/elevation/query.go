package elevation

import (
	"context"
	"iter"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/services"
	"github.com/atlasconnect/pam/services/audit"
	"github.com/google/uuid"
)

// Get returns a request by id
func (e *Engine) Get(ctx context.Context, id uuid.UUID) (*models.ElevationRequest, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	req, err := e.store.GetByID(sctx, id)
	if err != nil {
		return nil, e.storeError(id, err)
	}
	return req, nil
}

// RequestPage is one page of a request listing
type RequestPage struct {
	Requests []*models.ElevationRequest `json:"requests"`
	Next     *models.ElevationCursor    `json:"-"`
}

// Query returns one page of requests matching filter. Next is set when the
// page is full and the listing may continue.
func (e *Engine) Query(ctx context.Context, filter models.ElevationFilter) (*RequestPage, error) {
	for _, s := range filter.Statuses {
		if !s.Valid() {
			return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "unknown status", nil).
				WithDetail("status", string(s))
		}
	}
	if filter.ElevationType != nil && !filter.ElevationType.Valid() {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "unknown elevation type", nil).
			WithDetail("elevation_type", string(*filter.ElevationType))
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	reqs, err := e.store.List(sctx, filter)
	if err != nil {
		return nil, services.WrapStorage("failed to list elevation requests", err)
	}
	page := &RequestPage{Requests: reqs}
	if filter.Limit > 0 && len(reqs) == filter.Limit {
		last := reqs[len(reqs)-1]
		page.Next = &models.ElevationCursor{RequestedAt: last.RequestedAt, ID: last.ID}
	}
	return page, nil
}

// Requests walks every matching request lazily. The walk restarts cleanly
// from any cursor: set filter.After to resume.
func (e *Engine) Requests(ctx context.Context, filter models.ElevationFilter, pageSize int) iter.Seq2[*models.ElevationRequest, error] {
	if pageSize <= 0 {
		pageSize = 100
	}
	return func(yield func(*models.ElevationRequest, error) bool) {
		f := filter
		f.Limit = pageSize
		for {
			page, err := e.Query(ctx, f)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, r := range page.Requests {
				if !yield(r, nil) {
					return
				}
			}
			if page.Next == nil {
				return
			}
			f.After = page.Next
		}
	}
}

// TrailQuery selects an audit trail by request or session
type TrailQuery struct {
	RequestID *uuid.UUID
	SessionID *uuid.UUID
	AfterSeq  int64
	Limit     int
}

// AuditTrail returns committed ledger entries for a request or a session in
// ledger order. Current state always comes from Get, never from the trail.
func (e *Engine) AuditTrail(ctx context.Context, q TrailQuery) (*audit.Page, error) {
	if (q.RequestID == nil) == (q.SessionID == nil) {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument,
			"exactly one of request_id or session_id is required", nil)
	}
	if q.RequestID != nil {
		if _, err := e.Get(ctx, *q.RequestID); err != nil {
			return nil, err
		}
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()
	return e.ledger.List(sctx, models.AuditFilter{
		ElevationRequestID: q.RequestID,
		SessionID:          q.SessionID,
		AfterSeq:           q.AfterSeq,
		Limit:              q.Limit,
	})
}

// Stats returns request counts by status and type
func (e *Engine) Stats(ctx context.Context) (*models.ElevationStats, error) {
	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	stats, err := e.store.Stats(sctx)
	if err != nil {
		return nil, services.WrapStorage("failed to compute elevation stats", err)
	}
	return stats, nil
}
