package handlers

import (
	"context"
	"net/http"

	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/services/audit"
	"github.com/atlasconnect/pam/utils"
	"go.uber.org/zap"
)

// AuditReader reads and verifies the ledger
type AuditReader interface {
	List(ctx context.Context, filter models.AuditFilter) (*audit.Page, error)
	Verify(ctx context.Context) (*audit.VerifyReport, error)
	GetStats() audit.Stats
}

// AuditHandler serves ledger queries for auditors
type AuditHandler struct {
	ledger AuditReader
	paging Paging
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler
func NewAuditHandler(ledger AuditReader, paging Paging, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{ledger: ledger, paging: paging, logger: logger}
}

// HandleList handles GET /api/v1/audit
func (h *AuditHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	var (
		filter models.AuditFilter
		err    error
	)

	if filter.Limit, err = utils.ParseLimit(r, h.paging.Default, h.paging.Max); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if filter.SessionID, err = utils.ParseUUID(r, "session_id"); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if filter.ElevationRequestID, err = utils.ParseUUID(r, "request_id"); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if filter.Since, err = utils.ParseTime(r, "since"); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if filter.Until, err = utils.ParseTime(r, "until"); err != nil {
		_ = utils.WriteBadRequest(w, err.Error(), nil)
		return
	}
	if raw := r.URL.Query().Get("action"); raw != "" {
		action := models.AuditAction(raw)
		if !action.Valid() {
			_ = utils.WriteBadRequest(w, "unknown action", map[string]interface{}{"action": raw})
			return
		}
		filter.Action = &action
	}
	after, ok := seqCursor(w, r)
	if !ok {
		return
	}
	filter.AfterSeq = after

	page, err := h.ledger.List(r.Context(), filter)
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	_ = utils.WritePage(w, page.Entries, nextSeqCursor(page))
}

// HandleVerify handles GET /api/v1/audit/verify
func (h *AuditHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	report, err := h.ledger.Verify(r.Context())
	if err != nil {
		HandleServiceError(w, err, h.logger)
		return
	}
	if !report.Valid {
		h.logger.Error("audit ledger chain broken",
			zap.Int64("broken_at", report.BrokenAt),
			zap.String("reason", report.Reason))
	}
	_ = utils.WriteOK(w, report)
}

// HandleStats handles GET /api/v1/audit/stats
func (h *AuditHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteOK(w, h.ledger.GetStats())
}
