package elevation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories"
	"github.com/atlasconnect/pam/services"
	"github.com/atlasconnect/pam/services/audit"
	"github.com/atlasconnect/pam/services/policy"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SystemApprover is recorded as approved_by on auto-approved requests
const SystemApprover = "system"

// AuditLog is the write-ahead ledger the engine records committed transitions to
type AuditLog interface {
	Record(entry *models.AuditEntry) error
	List(ctx context.Context, filter models.AuditFilter) (*audit.Page, error)
}

// PolicySource returns the active policy snapshot
type PolicySource interface {
	Current() *models.PamPolicyConfig
}

const lockStripes = 64

// Engine coordinates policy, store and ledger for every elevation operation.
// Store transitions are compare-and-set; the matching audit entry is recorded
// only after the transition commits.
type Engine struct {
	store   repositories.ElevationRepository
	ledger  AuditLog
	policy  PolicySource
	logger  *zap.Logger
	timeout time.Duration
	now     func() time.Time

	// stripes keep a request's audit entries in commit order within this process
	stripes [lockStripes]sync.Mutex
}

// NewEngine creates an engine. storeTimeout bounds each store call.
func NewEngine(store repositories.ElevationRepository, ledger AuditLog, policy PolicySource, storeTimeout time.Duration, logger *zap.Logger) *Engine {
	return &Engine{
		store:   store,
		ledger:  ledger,
		policy:  policy,
		logger:  logger,
		timeout: storeTimeout,
		now:     time.Now,
	}
}

// RequestInput carries the fields of a new elevation request
type RequestInput struct {
	SessionID     uuid.UUID
	UserID        string
	Requester     string
	Domain        string
	ElevationType models.ElevationType
	RunAsAccount  string
	Reason        string
	TargetProcess string
	TargetCommand string
}

type requestedDetails struct {
	Reason        string               `json:"reason"`
	ElevationType models.ElevationType `json:"elevation_type"`
	Requester     string               `json:"requester"`
	Domain        string               `json:"domain,omitempty"`
	TargetProcess string               `json:"target_process,omitempty"`
	TargetCommand string               `json:"target_command,omitempty"`
	CommandRisk   policy.CommandRisk   `json:"command_risk,omitempty"`
	RiskFactors   []string             `json:"risk_factors"`
	AutoApprove   bool                 `json:"auto_approve"`
	PolicyVersion int64                `json:"policy_version"`
}

type approvedDetails struct {
	ApprovedBy   string    `json:"approved_by"`
	ExpiresAt    time.Time `json:"expires_at"`
	AutoApproved bool      `json:"auto_approved"`
	ElevatedUser string    `json:"elevated_user"`
}

type reasonDetails struct {
	Actor          string                 `json:"actor"`
	Reason         string                 `json:"reason,omitempty"`
	PreviousStatus models.ElevationStatus `json:"previous_status,omitempty"`
}

type outcomeDetails struct {
	Outcome string `json:"outcome"`
	Success bool   `json:"success"`
}

// Request evaluates and stores a new elevation request. Auto-approved
// requests are stored directly as approved.
func (e *Engine) Request(ctx context.Context, in RequestInput) (*models.ElevationRequest, error) {
	if in.SessionID == uuid.Nil {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "session_id is required", nil)
	}
	if strings.TrimSpace(in.UserID) == "" {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "user_id is required", nil)
	}

	cfg := e.policy.Current()
	draft := policy.Draft{
		ElevationType: in.ElevationType,
		Domain:        in.Domain,
		TargetProcess: in.TargetProcess,
		TargetCommand: in.TargetCommand,
		Reason:        in.Reason,
	}
	if err := policy.Admit(draft, cfg); err != nil {
		return nil, err
	}
	ev := policy.Evaluate(draft, cfg)

	now := e.clock()
	requester := in.Requester
	if requester == "" {
		requester = in.UserID
	}
	req := &models.ElevationRequest{
		ID:              uuid.New(),
		SessionID:       in.SessionID,
		UserID:          in.UserID,
		Requester:       requester,
		Domain:          models.StringPtr(in.Domain),
		ElevationType:   in.ElevationType,
		RunAsAccount:    models.StringPtr(in.RunAsAccount),
		Reason:          in.Reason,
		TargetProcess:   models.StringPtr(in.TargetProcess),
		TargetCommand:   models.StringPtr(in.TargetCommand),
		Status:          models.StatusPending,
		RequestedAt:     now,
		RiskScore:       ev.RiskScore,
		ComplianceFlags: ev.ComplianceFlags,
		UpdatedAt:       now,
	}
	if ev.AutoApprove {
		req.Status = models.StatusApproved
		req.AutoApproved = true
		req.ApprovedBy = models.StringPtr(SystemApprover)
		req.ApprovedAt = models.TimePtr(now)
		req.ExpiresAt = models.TimePtr(now.Add(cfg.MaxElevationDuration.Duration))
	}

	mu := e.stripe(req.ID)
	mu.Lock()
	defer mu.Unlock()

	sctx, cancel := e.storeContext(ctx)
	err := e.store.Create(sctx, req)
	cancel()
	if err != nil {
		if errors.Is(err, repositories.ErrDuplicateLive) {
			return nil, services.NewDomainError(services.ErrorTypeConflict,
				"a live elevation request already exists for this session and target", err).
				WithDetail("session_id", in.SessionID.String()).
				WithDetail("target_process", in.TargetProcess)
		}
		return nil, services.WrapStorage("failed to store elevation request", err)
	}

	e.record(models.NewAuditEntry(req, models.AuditActionRequested, in.UserID, now).
		WithDetails(requestedDetails{
			Reason:        in.Reason,
			ElevationType: in.ElevationType,
			Requester:     requester,
			Domain:        in.Domain,
			TargetProcess: in.TargetProcess,
			TargetCommand: in.TargetCommand,
			CommandRisk:   ev.CommandRisk,
			RiskFactors:   ev.Factors,
			AutoApprove:   ev.AutoApprove,
			PolicyVersion: cfg.Version,
		}))
	if req.AutoApproved {
		e.record(models.NewAuditEntry(req, models.AuditActionApproved, SystemApprover, now).
			WithDetails(approvedDetails{
				ApprovedBy:   SystemApprover,
				ExpiresAt:    *req.ExpiresAt,
				AutoApproved: true,
				ElevatedUser: req.ElevatedUser(),
			}))
	}

	e.logger.Info("elevation requested",
		zap.String("request_id", req.ID.String()),
		zap.String("session_id", req.SessionID.String()),
		zap.String("elevation_type", string(req.ElevationType)),
		zap.Int("risk_score", req.RiskScore),
		zap.Bool("auto_approved", req.AutoApproved))
	return req, nil
}

// Approve grants a pending request. duration shortens the grant; zero or
// anything above the policy maximum yields the maximum.
func (e *Engine) Approve(ctx context.Context, id uuid.UUID, approver string, duration time.Duration) (*models.ElevationRequest, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "approver is required", nil)
	}
	if duration < 0 {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "duration cannot be negative", nil)
	}

	cfg := e.policy.Current()
	grant := cfg.MaxElevationDuration.Duration
	if duration > 0 && duration < grant {
		grant = duration
	}

	req, err := e.apply(ctx, id,
		func(now time.Time) *models.StatusTransition {
			cutoff := now.Add(-cfg.RequestTimeout.Duration)
			return &models.StatusTransition{
				From:           []models.ElevationStatus{models.StatusPending},
				To:             models.StatusApproved,
				At:             now,
				ApprovedBy:     models.StringPtr(approver),
				ApprovedAt:     models.TimePtr(now),
				ExpiresAt:      models.TimePtr(now.Add(grant)),
				RequestedAfter: &cutoff,
			}
		},
		func(r *models.ElevationRequest, now time.Time) *models.AuditEntry {
			return models.NewAuditEntry(r, models.AuditActionApproved, approver, now).
				WithDetails(approvedDetails{
					ApprovedBy:   approver,
					ExpiresAt:    now.Add(grant),
					ElevatedUser: r.ElevatedUser(),
				})
		})
	if err != nil {
		return nil, err
	}

	e.logger.Info("elevation approved",
		zap.String("request_id", id.String()),
		zap.String("approver", approver),
		zap.Timep("expires_at", req.ExpiresAt))
	return req, nil
}

// Deny rejects a pending request. Without a reason the denial is attributed
// to the approver.
func (e *Engine) Deny(ctx context.Context, id uuid.UUID, approver, reason string) (*models.ElevationRequest, error) {
	if strings.TrimSpace(approver) == "" {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "approver is required", nil)
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "denied by " + approver
	}

	req, err := e.apply(ctx, id,
		func(now time.Time) *models.StatusTransition {
			return &models.StatusTransition{
				From:         []models.ElevationStatus{models.StatusPending},
				To:           models.StatusDenied,
				At:           now,
				DeniedReason: &reason,
			}
		},
		func(r *models.ElevationRequest, now time.Time) *models.AuditEntry {
			return models.NewAuditEntry(r, models.AuditActionDenied, approver, now).
				WithDetails(reasonDetails{Actor: approver, Reason: reason})
		})
	if err != nil {
		return nil, err
	}

	e.logger.Info("elevation denied",
		zap.String("request_id", id.String()),
		zap.String("approver", approver))
	return req, nil
}

// Activate marks an approved request as in use. It fails with Expired once
// expires_at has passed.
func (e *Engine) Activate(ctx context.Context, id uuid.UUID) (*models.ElevationRequest, error) {
	req, err := e.apply(ctx, id,
		func(now time.Time) *models.StatusTransition {
			return &models.StatusTransition{
				From:         []models.ElevationStatus{models.StatusApproved},
				To:           models.StatusActive,
				At:           now,
				ExpiresAfter: models.TimePtr(now),
			}
		},
		func(r *models.ElevationRequest, now time.Time) *models.AuditEntry {
			return models.NewAuditEntry(r, models.AuditActionActivated, r.UserID, now).
				WithDetails(map[string]string{"elevated_user": r.ElevatedUser()})
		})
	if err != nil {
		return nil, err
	}

	e.logger.Info("elevation activated",
		zap.String("request_id", id.String()),
		zap.String("elevated_user", req.ElevatedUser()))
	return req, nil
}

// Complete ends an active request as completed or, when success is false, failed
func (e *Engine) Complete(ctx context.Context, id uuid.UUID, success bool, outcome string) (*models.ElevationRequest, error) {
	to, action := models.StatusCompleted, models.AuditActionCompleted
	if !success {
		to, action = models.StatusFailed, models.AuditActionFailed
	}

	req, err := e.apply(ctx, id,
		func(now time.Time) *models.StatusTransition {
			return &models.StatusTransition{
				From:    []models.ElevationStatus{models.StatusActive},
				To:      to,
				At:      now,
				Outcome: &outcome,
			}
		},
		func(r *models.ElevationRequest, now time.Time) *models.AuditEntry {
			return models.NewAuditEntry(r, action, r.UserID, now).
				WithDetails(outcomeDetails{Outcome: outcome, Success: success})
		})
	if err != nil {
		return nil, err
	}

	e.logger.Info("elevation finished",
		zap.String("request_id", id.String()),
		zap.String("status", string(req.Status)))
	return req, nil
}

// Revoke force-terminates an approved or active request
func (e *Engine) Revoke(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ElevationRequest, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "actor is required", nil)
	}
	return e.revoke(ctx, id, actor, reason, []models.ElevationStatus{models.StatusApproved, models.StatusActive})
}

func (e *Engine) revoke(ctx context.Context, id uuid.UUID, actor, reason string, from []models.ElevationStatus) (*models.ElevationRequest, error) {
	outcome := "revoked by " + actor
	if reason != "" {
		outcome += ": " + reason
	}

	var previous models.ElevationStatus
	req, err := e.apply(ctx, id,
		func(now time.Time) *models.StatusTransition {
			return &models.StatusTransition{
				From:    from,
				To:      models.StatusFailed,
				At:      now,
				Outcome: &outcome,
			}
		},
		func(r *models.ElevationRequest, now time.Time) *models.AuditEntry {
			return models.NewAuditEntry(r, models.AuditActionRevoked, actor, now).
				WithDetails(reasonDetails{Actor: actor, Reason: reason, PreviousStatus: previous})
		},
		func(before models.ElevationStatus) { previous = before })
	if err != nil {
		return nil, err
	}

	e.logger.Warn("elevation revoked",
		zap.String("request_id", id.String()),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return req, nil
}

// RevokeSession ends every live request of a session: pending requests are
// denied, approved and active ones revoked. Requests that another actor moves
// concurrently are skipped. One session-level entry closes the sweep.
func (e *Engine) RevokeSession(ctx context.Context, sessionID uuid.UUID, actor, reason string) ([]*models.ElevationRequest, error) {
	if strings.TrimSpace(actor) == "" {
		return nil, services.NewDomainError(services.ErrorTypeInvalidArgument, "actor is required", nil)
	}

	sctx, cancel := e.storeContext(ctx)
	live, err := e.store.List(sctx, models.ElevationFilter{SessionID: &sessionID, Statuses: models.LiveStatuses})
	cancel()
	if err != nil {
		return nil, services.WrapStorage("failed to list session requests", err)
	}

	ended := make([]*models.ElevationRequest, 0, len(live))
	ids := make([]string, 0, len(live))
	for _, r := range live {
		var (
			updated *models.ElevationRequest
			err     error
		)
		switch r.Status {
		case models.StatusPending:
			updated, err = e.Deny(ctx, r.ID, actor, sessionRevokedReason(reason))
		case models.StatusApproved, models.StatusActive:
			updated, err = e.revoke(ctx, r.ID, actor, reason, []models.ElevationStatus{models.StatusApproved, models.StatusActive})
		case models.StatusDenied, models.StatusExpired, models.StatusCompleted, models.StatusFailed:
			continue
		}
		if err != nil {
			if services.IsInvalidStateError(err) || services.IsExpiredError(err) {
				continue
			}
			return ended, err
		}
		ended = append(ended, updated)
		ids = append(ids, updated.ID.String())
	}

	e.record(models.NewSessionAuditEntry(sessionID, models.AuditActionSessionRevoked, actor, e.clock()).
		WithDetails(map[string]interface{}{"reason": reason, "requests": ids}))

	e.logger.Warn("session elevations revoked",
		zap.String("session_id", sessionID.String()),
		zap.String("actor", actor),
		zap.Int("count", len(ended)))
	return ended, nil
}

func sessionRevokedReason(reason string) string {
	if reason == "" {
		return "session revoked"
	}
	return "session revoked: " + reason
}

// apply runs one compare-and-set and records entry(updated) once it commits.
// The commit time is read after the request's stripe lock is taken, so the
// timestamps of one request's transitions never run backwards. observe, when
// given, sees the status the request had before the swap.
func (e *Engine) apply(
	ctx context.Context,
	id uuid.UUID,
	transition func(now time.Time) *models.StatusTransition,
	entry func(r *models.ElevationRequest, now time.Time) *models.AuditEntry,
	observe ...func(models.ElevationStatus),
) (*models.ElevationRequest, error) {
	mu := e.stripe(id)
	mu.Lock()
	defer mu.Unlock()

	now := e.clock()
	t := transition(now)
	for _, from := range t.From {
		if !models.CanTransition(from, t.To) {
			return nil, services.WrapInternal("illegal transition "+string(from)+" -> "+string(t.To), nil)
		}
	}

	sctx, cancel := e.storeContext(ctx)
	defer cancel()

	var before models.ElevationStatus
	if len(observe) > 0 {
		current, err := e.store.GetByID(sctx, id)
		if err != nil {
			return nil, e.storeError(id, err)
		}
		before = current.Status
		t.From = narrow(t.From, before)
		for _, fn := range observe {
			fn(before)
		}
	}

	updated, err := e.store.Transition(sctx, id, t)
	if err != nil {
		if errors.Is(err, repositories.ErrTransitionRefused) {
			return nil, refusal(updated, t)
		}
		return nil, e.storeError(id, err)
	}

	e.record(entry(updated, now))
	return updated, nil
}

// narrow restricts from to the observed status so a concurrent change between
// the read and the swap is refused rather than mislabelled.
func narrow(from []models.ElevationStatus, observed models.ElevationStatus) []models.ElevationStatus {
	for _, s := range from {
		if s == observed {
			return []models.ElevationStatus{observed}
		}
	}
	return from
}

// refusal explains a refused compare-and-set from the request's current row
func refusal(current *models.ElevationRequest, t *models.StatusTransition) error {
	if current == nil {
		return services.ErrInvalidState
	}
	if current.Status == models.StatusExpired {
		return expiredError(current)
	}
	for _, s := range t.From {
		if current.Status == s {
			// status matched, so a deadline guard failed
			return expiredError(current)
		}
	}
	return services.NewDomainError(services.ErrorTypeInvalidState,
		"operation not permitted in status "+string(current.Status), nil).
		WithDetail("request_id", current.ID.String()).
		WithDetail("status", string(current.Status))
}

func expiredError(current *models.ElevationRequest) error {
	err := services.NewDomainError(services.ErrorTypeExpired, "request already expired", nil).
		WithDetail("request_id", current.ID.String()).
		WithDetail("status", string(current.Status))
	if current.ExpiresAt != nil {
		err.WithDetail("expires_at", current.ExpiresAt.Format(time.RFC3339))
	}
	return err
}

func (e *Engine) storeError(id uuid.UUID, err error) error {
	if errors.Is(err, repositories.ErrNotFound) {
		return services.NewDomainError(services.ErrorTypeNotFound, "elevation request not found", err).
			WithDetail("request_id", id.String())
	}
	return services.WrapStorage("failed to update elevation request", err)
}

func (e *Engine) record(entry *models.AuditEntry) {
	if err := e.ledger.Record(entry); err != nil {
		e.logger.Error("failed to record audit entry",
			zap.String("entry_id", entry.ID.String()),
			zap.String("action", string(entry.Action)),
			zap.Error(err))
	}
}

func (e *Engine) stripe(id uuid.UUID) *sync.Mutex {
	return &e.stripes[int(id[15])%lockStripes]
}

func (e *Engine) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.timeout)
}

func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Microsecond)
}
