package elevation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/services"
	"go.uber.org/zap"
)

// Locker elects one sweeper per tick across instances
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

type expiredDetails struct {
	PreviousStatus models.ElevationStatus `json:"previous_status"`
	Deadline       time.Time              `json:"deadline"`
}

// Scheduler periodically expires requests whose deadline passed
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	batch    int
	locker   Locker
	logger   *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewScheduler creates a scheduler. locker may be nil when every instance
// should sweep; the compare-and-set keeps concurrent sweeps safe either way.
func NewScheduler(engine *Engine, interval time.Duration, batch int, locker Locker, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if batch <= 0 {
		batch = 500
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		batch:    batch,
		locker:   locker,
		logger:   logger,
	}
}

// Start runs sweeps on a ticker until Stop
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) {
					s.logger.Warn("expiration sweep failed", zap.Error(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.logger.Info("expiration scheduler started",
		zap.Duration("interval", s.interval),
		zap.Int("batch_size", s.batch),
		zap.Bool("leased", s.locker != nil))
}

// Stop halts the ticker and waits for an in-flight sweep
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	s.logger.Info("expiration scheduler stopped")
}

// Sweep expires every due request and returns how many it moved. Requests
// already moved by another actor are skipped silently.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	if s.locker != nil {
		ok, err := s.locker.TryLock(ctx)
		if err != nil {
			return 0, services.WrapInternal("failed to acquire scheduler lease", err)
		}
		if !ok {
			s.logger.Debug("expiration sweep skipped, lease held elsewhere")
			return 0, nil
		}
		defer func() {
			if err := s.locker.Unlock(context.WithoutCancel(ctx)); err != nil {
				s.logger.Warn("failed to release scheduler lease", zap.Error(err))
			}
		}()
	}

	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		cfg := s.engine.policy.Current()
		now := s.engine.clock()

		sctx, cancel := s.engine.storeContext(ctx)
		due, err := s.engine.store.ListDue(sctx, now.Add(-cfg.RequestTimeout.Duration), now, s.batch)
		cancel()
		if err != nil {
			return total, services.WrapStorage("failed to list due requests", err)
		}

		moved := 0
		for _, req := range due {
			ok, err := s.expire(ctx, req, cfg)
			if err != nil {
				s.logger.Warn("failed to expire request",
					zap.String("request_id", req.ID.String()),
					zap.Error(err))
				continue
			}
			if ok {
				moved++
			}
		}
		total += moved

		if len(due) < s.batch || moved == 0 {
			break
		}
	}

	if total > 0 {
		s.logger.Info("expired elevation requests", zap.Int("count", total))
	}
	return total, nil
}

// expire moves req to expired if it still has the status the sweep saw
func (s *Scheduler) expire(ctx context.Context, req *models.ElevationRequest, cfg *models.PamPolicyConfig) (bool, error) {
	deadline := req.RequestedAt.Add(cfg.RequestTimeout.Duration)
	if req.Status != models.StatusPending && req.ExpiresAt != nil {
		deadline = *req.ExpiresAt
	}

	_, err := s.engine.apply(ctx, req.ID,
		func(at time.Time) *models.StatusTransition {
			return &models.StatusTransition{
				From: []models.ElevationStatus{req.Status},
				To:   models.StatusExpired,
				At:   at,
			}
		},
		func(r *models.ElevationRequest, at time.Time) *models.AuditEntry {
			return models.NewAuditEntry(r, models.AuditActionExpired, SystemApprover, at).
				WithDetails(expiredDetails{PreviousStatus: req.Status, Deadline: deadline})
		})
	switch {
	case err == nil:
		return true, nil
	case services.IsInvalidStateError(err), services.IsExpiredError(err), services.IsNotFoundError(err):
		return false, nil
	default:
		return false, err
	}
}
