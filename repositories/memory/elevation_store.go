// Package memory provides process-local repositories used for development
// mode and engine tests. They honour the same contracts as the Postgres
// repositories, including the live-slot uniqueness and compare-and-set rules.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/google/uuid"
)

type slotKey struct {
	session uuid.UUID
	target  string
}

// ElevationStore implements repositories.ElevationRepository in memory
type ElevationStore struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*models.ElevationRequest
	live map[slotKey]uuid.UUID
}

// NewElevationStore creates an empty store
func NewElevationStore() *ElevationStore {
	return &ElevationStore{
		byID: make(map[uuid.UUID]*models.ElevationRequest),
		live: make(map[slotKey]uuid.UUID),
	}
}

var _ repositories.ElevationRepository = (*ElevationStore)(nil)

func slotOf(r *models.ElevationRequest) slotKey {
	return slotKey{session: r.SessionID, target: r.TargetKey()}
}

// Create inserts a request, enforcing one live request per slot
func (s *ElevationStore) Create(ctx context.Context, req *models.ElevationRequest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if req.Status.IsLive() {
		if _, taken := s.live[slotOf(req)]; taken {
			return repositories.ErrDuplicateLive
		}
		s.live[slotOf(req)] = req.ID
	}
	s.byID[req.ID] = req.Clone()
	return nil
}

// GetByID retrieves a request by ID
func (s *ElevationStore) GetByID(ctx context.Context, id uuid.UUID) (*models.ElevationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, ok := s.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	return req.Clone(), nil
}

// Transition applies t under the store lock
func (s *ElevationStore) Transition(ctx context.Context, id uuid.UUID, t *models.StatusTransition) (*models.ElevationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.byID[id]
	if !ok {
		return nil, repositories.ErrNotFound
	}
	if !t.Allows(req) {
		return req.Clone(), repositories.ErrTransitionRefused
	}

	t.Apply(req)
	if !req.Status.IsLive() {
		if owner, held := s.live[slotOf(req)]; held && owner == req.ID {
			delete(s.live, slotOf(req))
		}
	}
	return req.Clone(), nil
}

// List returns matching requests in (requested_at, id) order
func (s *ElevationStore) List(ctx context.Context, filter models.ElevationFilter) ([]*models.ElevationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*models.ElevationRequest, 0)
	for _, req := range s.byID {
		if matches(req, &filter) {
			out = append(out, req.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return requestLess(out[i], out[j]) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListDue returns live requests past their deadline
func (s *ElevationStore) ListDue(ctx context.Context, pendingCutoff, now time.Time, limit int) ([]*models.ElevationRequest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]*models.ElevationRequest, 0)
	for _, id := range s.live {
		req := s.byID[id]
		switch req.Status {
		case models.StatusPending:
			if !req.RequestedAt.After(pendingCutoff) {
				out = append(out, req.Clone())
			}
		case models.StatusApproved, models.StatusActive:
			if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
				out = append(out, req.Clone())
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return requestLess(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Stats returns counts by status and type
func (s *ElevationStore) Stats(ctx context.Context) (*models.ElevationStats, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &models.ElevationStats{
		ByStatus: make(map[models.ElevationStatus]int64),
		ByType:   make(map[models.ElevationType]int64),
	}
	for _, req := range s.byID {
		stats.Total++
		stats.ByStatus[req.Status]++
		stats.ByType[req.ElevationType]++
		if req.Status.IsLive() {
			stats.Live++
		}
	}
	return stats, nil
}

func requestLess(a, b *models.ElevationRequest) bool {
	if !a.RequestedAt.Equal(b.RequestedAt) {
		return a.RequestedAt.Before(b.RequestedAt)
	}
	return bytes.Compare(a.ID[:], b.ID[:]) < 0
}

func matches(req *models.ElevationRequest, f *models.ElevationFilter) bool {
	if f.SessionID != nil && req.SessionID != *f.SessionID {
		return false
	}
	if f.UserID != "" && req.UserID != f.UserID {
		return false
	}
	if f.ElevationType != nil && req.ElevationType != *f.ElevationType {
		return false
	}
	if len(f.Statuses) > 0 {
		found := false
		for _, st := range f.Statuses {
			if req.Status == st {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Since != nil && req.RequestedAt.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !req.RequestedAt.Before(*f.Until) {
		return false
	}
	if f.After != nil {
		cursor := &models.ElevationRequest{ID: f.After.ID, RequestedAt: f.After.RequestedAt}
		if !requestLess(cursor, req) {
			return false
		}
	}
	return true
}
