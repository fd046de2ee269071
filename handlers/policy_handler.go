package handlers

import (
	"context"
	"net/http"

	"github.com/atlasconnect/pam/middleware"
	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/utils"
	"go.uber.org/zap"
)

// PolicyStore holds the live elevation policy
type PolicyStore interface {
	Current() *models.PamPolicyConfig
	Replace(ctx context.Context, next *models.PamPolicyConfig, expectedVersion int64) (*models.PamPolicyConfig, error)
}

// UpdatePolicyRequest replaces the policy. ExpectedVersion guards against
// overwriting a concurrent change; zero skips the check.
type UpdatePolicyRequest struct {
	ExpectedVersion int64                   `json:"expected_version" validate:"gte=0"`
	Policy          *models.PamPolicyConfig `json:"policy" validate:"required"`
}

// PolicyHandler handles policy configuration HTTP requests
type PolicyHandler struct {
	store  PolicyStore
	logger *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler
func NewPolicyHandler(store PolicyStore, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		store:  store,
		logger: logger,
	}
}

// HandleGetPolicy handles GET /api/v1/policy
func (h *PolicyHandler) HandleGetPolicy(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.store.Current())
}

// HandleUpdatePolicy handles PUT /api/v1/policy
func (h *PolicyHandler) HandleUpdatePolicy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := middleware.GetRequestIDFromContext(ctx)

	claims, ok := principal(w, r)
	if !ok {
		return
	}

	var req UpdatePolicyRequest
	if !decodeBody(w, r, &req, h.logger) {
		return
	}

	updated, err := h.store.Replace(ctx, req.Policy, req.ExpectedVersion)
	if err != nil {
		h.logger.Warn("policy update rejected",
			zap.String("request_id", requestID),
			zap.Error(err))
		HandleServiceError(w, err, h.logger)
		return
	}

	h.logger.Info("policy updated",
		zap.String("request_id", requestID),
		zap.String("actor", claims.Actor()),
		zap.Int64("version", updated.Version))

	_ = utils.WriteOK(w, updated)
}
