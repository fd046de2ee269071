package handlers

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/atlasconnect/pam/middleware"
	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/services/audit"
	"github.com/atlasconnect/pam/services/elevation"
	"github.com/atlasconnect/pam/utils"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ElevationService is the engine surface the HTTP layer drives
type ElevationService interface {
	Request(ctx context.Context, in elevation.RequestInput) (*models.ElevationRequest, error)
	Approve(ctx context.Context, id uuid.UUID, approver string, duration time.Duration) (*models.ElevationRequest, error)
	Deny(ctx context.Context, id uuid.UUID, approver, reason string) (*models.ElevationRequest, error)
	Activate(ctx context.Context, id uuid.UUID) (*models.ElevationRequest, error)
	Complete(ctx context.Context, id uuid.UUID, success bool, outcome string) (*models.ElevationRequest, error)
	Revoke(ctx context.Context, id uuid.UUID, actor, reason string) (*models.ElevationRequest, error)
	RevokeSession(ctx context.Context, sessionID uuid.UUID, actor, reason string) ([]*models.ElevationRequest, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ElevationRequest, error)
	Query(ctx context.Context, filter models.ElevationFilter) (*elevation.RequestPage, error)
	AuditTrail(ctx context.Context, q elevation.TrailQuery) (*audit.Page, error)
	Stats(ctx context.Context) (*models.ElevationStats, error)
}

// CreateElevationRequest is the body of POST /api/v1/elevations
type CreateElevationRequest struct {
	SessionID     string `json:"session_id" validate:"required,uuid"`
	ElevationType string `json:"elevation_type" validate:"required,elevation_type"`
	Reason        string `json:"reason" validate:"max=2000"`
	Requester     string `json:"requester,omitempty" validate:"max=256"`
	Domain        string `json:"domain,omitempty" validate:"max=256"`
	RunAsAccount  string `json:"run_as_account,omitempty" validate:"max=256"`
	TargetProcess string `json:"target_process,omitempty" validate:"max=1024"`
	TargetCommand string `json:"target_command,omitempty" validate:"max=8192"`
}

// ApproveRequest is the body of POST /api/v1/elevations/{id}/approve
type ApproveRequest struct {
	DurationMinutes int `json:"duration_minutes,omitempty" validate:"gte=0"`
}

// ReasonRequest carries an optional reason for deny and revoke
type ReasonRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=2000"`
}

// CompleteRequest is the body of POST /api/v1/elevations/{id}/complete
type CompleteRequest struct {
	Success *bool  `json:"success" validate:"required"`
	Outcome string `json:"outcome,omitempty" validate:"max=4000"`
}

// ElevationResponse is a request as returned by the API
type ElevationResponse struct {
	*models.ElevationRequest
	ElevatedUser string `json:"elevated_user"`
}

// RevokeSessionResponse lists the requests a session revoke ended
type RevokeSessionResponse struct {
	SessionID uuid.UUID           `json:"session_id"`
	Ended     []ElevationResponse `json:"ended"`
}

// ElevationHandler handles elevation lifecycle HTTP requests
type ElevationHandler struct {
	engine ElevationService
	paging Paging
	logger *zap.Logger
}

// NewElevationHandler creates a new ElevationHandler
func NewElevationHandler(engine ElevationService, paging Paging, logger *zap.Logger) *ElevationHandler {
	return &ElevationHandler{
		engine: engine,
		paging: paging,
		logger: logger,
	}
}

// HandleRequest handles POST /api/v1/elevations
func (h *ElevationHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	claims, ok := principal(w, r)
	if !ok {
		return
	}

	var req CreateElevationRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	requester := req.Requester
	if requester == "" {
		requester = claims.Actor()
	}
	created, err := h.engine.Request(r.Context(), elevation.RequestInput{
		SessionID:     uuid.MustParse(req.SessionID),
		UserID:        claims.Sub,
		Requester:     requester,
		Domain:        req.Domain,
		ElevationType: models.ElevationType(req.ElevationType),
		RunAsAccount:  req.RunAsAccount,
		Reason:        req.Reason,
		TargetProcess: req.TargetProcess,
		TargetCommand: req.TargetCommand,
	})
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	_ = utils.WriteCreated(w, toResponse(created))
}

// HandleGet handles GET /api/v1/elevations/{id}
func (h *ElevationHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	req, err := h.engine.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toResponse(req))
}

// HandleList handles GET /api/v1/elevations
func (h *ElevationHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	claims, ok := principal(w, r)
	if !ok {
		return
	}
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	// technicians only see their own requests
	if !claims.HasRole(middleware.RoleApprover, middleware.RoleAuditor, middleware.RoleAdmin) {
		filter.UserID = claims.Sub
	}

	page, err := h.engine.Query(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}

	out := make([]ElevationResponse, len(page.Requests))
	for i, req := range page.Requests {
		out[i] = toResponse(req)
	}
	next := ""
	if page.Next != nil {
		next = utils.EncodeCursor(page.Next)
	}
	_ = utils.WritePage(w, out, next)
}

// HandleApprove handles POST /api/v1/elevations/{id}/approve
func (h *ElevationHandler) HandleApprove(w http.ResponseWriter, r *http.Request) {
	claims, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body ApproveRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	// requesters never approve their own elevation
	current, err := h.engine.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if current.UserID == claims.Sub {
		h.logger.Warn("self approval rejected",
			zap.String("request_id", middleware.GetRequestIDFromContext(r.Context())),
			zap.String("elevation_id", id.String()),
			zap.String("user_id", claims.Sub))
		_ = utils.WriteForbidden(w, "Requesters cannot approve their own elevation")
		return
	}

	approved, err := h.engine.Approve(r.Context(), id, claims.Actor(), time.Duration(body.DurationMinutes)*time.Minute)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toResponse(approved))
}

// HandleDeny handles POST /api/v1/elevations/{id}/deny
func (h *ElevationHandler) HandleDeny(w http.ResponseWriter, r *http.Request) {
	claims, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body ReasonRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	denied, err := h.engine.Deny(r.Context(), id, claims.Actor(), body.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toResponse(denied))
}

// HandleActivate handles POST /api/v1/elevations/{id}/activate
func (h *ElevationHandler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	active, err := h.engine.Activate(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toResponse(active))
}

// HandleComplete handles POST /api/v1/elevations/{id}/complete
func (h *ElevationHandler) HandleComplete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.owned(w, r)
	if !ok {
		return
	}
	var body CompleteRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	done, err := h.engine.Complete(r.Context(), id, *body.Success, body.Outcome)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toResponse(done))
}

// HandleRevoke handles POST /api/v1/elevations/{id}/revoke
func (h *ElevationHandler) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	claims, ok := principal(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var body ReasonRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	revoked, err := h.engine.Revoke(r.Context(), id, claims.Actor(), body.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, toResponse(revoked))
}

// HandleRevokeSession handles POST /api/v1/sessions/{sessionID}/revoke
func (h *ElevationHandler) HandleRevokeSession(w http.ResponseWriter, r *http.Request) {
	claims, ok := principal(w, r)
	if !ok {
		return
	}
	sessionID, ok := pathUUID(w, r, "sessionID")
	if !ok {
		return
	}
	var body ReasonRequest
	if !decodeBody(w, r, &body, h.logger) {
		return
	}

	ended, err := h.engine.RevokeSession(r.Context(), sessionID, claims.Actor(), body.Reason)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	resp := RevokeSessionResponse{SessionID: sessionID, Ended: make([]ElevationResponse, len(ended))}
	for i, req := range ended {
		resp.Ended[i] = toResponse(req)
	}
	_ = utils.WriteOK(w, resp)
}

// HandleRequestTrail handles GET /api/v1/elevations/{id}/audit
func (h *ElevationHandler) HandleRequestTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	h.writeTrail(w, r, elevation.TrailQuery{RequestID: &id})
}

// HandleSessionTrail handles GET /api/v1/sessions/{sessionID}/audit
func (h *ElevationHandler) HandleSessionTrail(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := pathUUID(w, r, "sessionID")
	if !ok {
		return
	}
	h.writeTrail(w, r, elevation.TrailQuery{SessionID: &sessionID})
}

// HandleStats handles GET /api/v1/elevations/stats
func (h *ElevationHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WriteOK(w, stats)
}

func (h *ElevationHandler) writeTrail(w http.ResponseWriter, r *http.Request, q elevation.TrailQuery) {
	limit, err := utils.ParseLimit(r, h.paging.Default, h.paging.Max)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	after, ok := seqCursor(w, r)
	if !ok {
		return
	}
	q.Limit, q.AfterSeq = limit, after

	page, err := h.engine.AuditTrail(r.Context(), q)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WritePage(w, page.Entries, nextSeqCursor(page))
}

// owned resolves the {id} request and checks the caller raised it. Admins
// act on any request.
func (h *ElevationHandler) owned(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	claims, ok := principal(w, r)
	if !ok {
		return uuid.Nil, false
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return uuid.Nil, false
	}
	if claims.HasRole(middleware.RoleAdmin) {
		return id, true
	}

	req, err := h.engine.Get(r.Context(), id)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return uuid.Nil, false
	}
	if req.UserID != claims.Sub {
		_ = utils.WriteForbidden(w, "Elevation belongs to another user")
		return uuid.Nil, false
	}
	return id, true
}

func (h *ElevationHandler) parseFilter(w http.ResponseWriter, r *http.Request) (models.ElevationFilter, bool) {
	var filter models.ElevationFilter
	q := r.URL.Query()

	limit, err := utils.ParseLimit(r, h.paging.Default, h.paging.Max)
	if err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return filter, false
	}
	filter.Limit = limit

	if filter.SessionID, err = utils.ParseUUID(r, "session_id"); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return filter, false
	}
	if filter.Since, err = utils.ParseTime(r, "since"); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return filter, false
	}
	if filter.Until, err = utils.ParseTime(r, "until"); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return filter, false
	}
	filter.UserID = q.Get("user_id")

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			filter.Statuses = append(filter.Statuses, models.ElevationStatus(strings.TrimSpace(s)))
		}
	}
	if raw := q.Get("elevation_type"); raw != "" {
		t := models.ElevationType(raw)
		filter.ElevationType = &t
	}
	if raw := q.Get("cursor"); raw != "" {
		var c models.ElevationCursor
		if err := utils.DecodeCursor(raw, &c); err != nil {
			_ = utils.WriteBadRequest(w, err.Error(), nil)
			return filter, false
		}
		filter.After = &c
	}
	return filter, true
}

func toResponse(req *models.ElevationRequest) ElevationResponse {
	return ElevationResponse{ElevationRequest: req, ElevatedUser: req.ElevatedUser()}
}

// seqCursor reads a ledger cursor, which encodes the last seq seen
func seqCursor(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("cursor")
	if raw == "" {
		return 0, true
	}
	var seq int64
	if err := utils.DecodeCursor(raw, &seq); err != nil || seq < 0 {
		_ = utils.WriteBadRequest(w, "malformed cursor", nil)
		return 0, false
	}
	return seq, true
}

func nextSeqCursor(page *audit.Page) string {
	if page.NextSeq == 0 {
		return ""
	}
	return utils.EncodeCursor(page.NextSeq)
}
