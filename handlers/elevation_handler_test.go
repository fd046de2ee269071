package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atlasconnect/pam/middleware"
	"github.com/atlasconnect/pam/models"
	"github.com/atlasconnect/pam/repositories/memory"
	"github.com/atlasconnect/pam/services/audit"
	"github.com/atlasconnect/pam/services/elevation"
	"github.com/atlasconnect/pam/services/policy"
	"github.com/atlasconnect/pam/utils"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

var (
	technician = &middleware.Claims{Sub: "u-tech", Name: "tech", Roles: []string{middleware.RoleTechnician}}
	otherTech  = &middleware.Claims{Sub: "u-other", Name: "other", Roles: []string{middleware.RoleTechnician}}
	approver   = &middleware.Claims{Sub: "u-appr", Name: "alice", Roles: []string{middleware.RoleApprover}}
	admin      = &middleware.Claims{Sub: "u-admin", Name: "root", Roles: []string{middleware.RoleAdmin}}
)

type apiFixture struct {
	router http.Handler
	ledger *audit.Ledger
}

func newAPIFixture(t *testing.T, mutate func(*models.PamPolicyConfig)) *apiFixture {
	t.Helper()
	cfg := models.DefaultPamPolicyConfig()
	if mutate != nil {
		mutate(cfg)
	}

	ledger := audit.NewLedger(memory.NewAuditLedger(), zap.NewNop(), audit.Config{Workers: 2, RetryBackoff: time.Millisecond})
	require.NoError(t, ledger.Start())
	t.Cleanup(func() { _ = ledger.Stop(context.Background()) })

	engine := elevation.NewEngine(memory.NewElevationStore(), ledger,
		policy.NewConfigStore(nil, cfg, 0, zap.NewNop()), time.Second, zap.NewNop())
	h := NewElevationHandler(engine, Paging{Default: 50, Max: 200}, zaptest.NewLogger(t))

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/elevations", h.HandleRequest)
		r.Get("/elevations", h.HandleList)
		r.Get("/elevations/stats", h.HandleStats)
		r.Get("/elevations/{id}", h.HandleGet)
		r.Post("/elevations/{id}/approve", h.HandleApprove)
		r.Post("/elevations/{id}/deny", h.HandleDeny)
		r.Post("/elevations/{id}/activate", h.HandleActivate)
		r.Post("/elevations/{id}/complete", h.HandleComplete)
		r.Post("/elevations/{id}/revoke", h.HandleRevoke)
		r.Get("/elevations/{id}/audit", h.HandleRequestTrail)
		r.Post("/sessions/{sessionID}/revoke", h.HandleRevokeSession)
		r.Get("/sessions/{sessionID}/audit", h.HandleSessionTrail)
	})
	return &apiFixture{router: r, ledger: ledger}
}

func (f *apiFixture) do(t *testing.T, claims *middleware.Claims, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	if claims != nil {
		req = req.WithContext(middleware.WithClaims(req.Context(), claims))
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *apiFixture) flush(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.ledger.Flush(ctx))
}

func (f *apiFixture) create(t *testing.T, claims *middleware.Claims, session uuid.UUID, elevationType models.ElevationType, target string) ElevationResponse {
	t.Helper()
	w := f.do(t, claims, http.MethodPost, "/api/v1/elevations", CreateElevationRequest{
		SessionID:     session.String(),
		ElevationType: string(elevationType),
		Reason:        "patch kb5034441",
		TargetProcess: target,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decodeElevation(t, w)
}

func decodeElevation(t *testing.T, w *httptest.ResponseRecorder) ElevationResponse {
	t.Helper()
	var resp struct {
		Data ElevationResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.NotNil(t, resp.Data.ElevationRequest)
	return resp.Data
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) utils.ErrorResponse {
	t.Helper()
	var resp utils.ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	return resp
}

func TestElevationHandler_Request(t *testing.T) {
	t.Run("auto approved request", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		got := f.create(t, technician, uuid.New(), models.ElevationRunAsUser, "msiexec.exe")

		assert.Equal(t, models.StatusApproved, got.Status)
		assert.True(t, got.AutoApproved)
		assert.Equal(t, "u-tech", got.UserID)
		assert.Equal(t, "tech", got.Requester)
		assert.Equal(t, "User", got.ElevatedUser)
	})

	t.Run("duplicate live target conflicts", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		session := uuid.New()
		f.create(t, technician, session, models.ElevationDomainAdmin, "dsa.msc")

		w := f.do(t, technician, http.MethodPost, "/api/v1/elevations", CreateElevationRequest{
			SessionID: session.String(), ElevationType: "domain_admin", Reason: "again", TargetProcess: "dsa.msc",
		})

		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, "conflict", decodeError(t, w).Error)
	})

	t.Run("validation", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		tests := []struct {
			name string
			body interface{}
		}{
			{"bad session", CreateElevationRequest{SessionID: "nope", ElevationType: "local_admin", Reason: "x"}},
			{"bad type", CreateElevationRequest{SessionID: uuid.NewString(), ElevationType: "root", Reason: "x"}},
			{"unknown field", map[string]string{"session_id": uuid.NewString(), "elevation_type": "local_admin", "sudo": "yes"}},
			{"missing reason", CreateElevationRequest{SessionID: uuid.NewString(), ElevationType: "local_admin"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				w := f.do(t, technician, http.MethodPost, "/api/v1/elevations", tt.body)
				assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			})
		}
	})

	t.Run("unauthenticated", func(t *testing.T) {
		f := newAPIFixture(t, nil)
		w := f.do(t, nil, http.MethodPost, "/api/v1/elevations", CreateElevationRequest{
			SessionID: uuid.NewString(), ElevationType: "local_admin", Reason: "x",
		})
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestElevationHandler_Lifecycle(t *testing.T) {
	f := newAPIFixture(t, nil)
	session := uuid.New()
	created := f.create(t, technician, session, models.ElevationDomainAdmin, "dsa.msc")
	require.Equal(t, models.StatusPending, created.Status)
	base := "/api/v1/elevations/" + created.ID.String()

	w := f.do(t, technician, http.MethodPost, base+"/approve", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "requester cannot approve")

	w = f.do(t, approver, http.MethodPost, base+"/approve", ApproveRequest{DurationMinutes: 30})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	approved := decodeElevation(t, w)
	assert.Equal(t, models.StatusApproved, approved.Status)
	require.NotNil(t, approved.ApprovedBy)
	assert.Equal(t, "alice", *approved.ApprovedBy)
	require.NotNil(t, approved.ExpiresAt)
	require.NotNil(t, approved.ApprovedAt)
	assert.WithinDuration(t, approved.ApprovedAt.Add(30*time.Minute), *approved.ExpiresAt, time.Second)

	w = f.do(t, otherTech, http.MethodPost, base+"/activate", nil)
	assert.Equal(t, http.StatusForbidden, w.Code, "only the owner activates")

	w = f.do(t, technician, http.MethodPost, base+"/activate", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusActive, decodeElevation(t, w).Status)

	w = f.do(t, technician, http.MethodPost, base+"/complete", map[string]interface{}{"outcome": "done"})
	assert.Equal(t, http.StatusBadRequest, w.Code, "success is required")

	w = f.do(t, technician, http.MethodPost, base+"/complete", map[string]interface{}{"success": true, "outcome": "done"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	done := decodeElevation(t, w)
	assert.Equal(t, models.StatusCompleted, done.Status)

	w = f.do(t, approver, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusCompleted, decodeElevation(t, w).Status)

	f.flush(t)
	w = f.do(t, approver, http.MethodGet, base+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Data []models.AuditEntry `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&trail))
	actions := make([]models.AuditAction, len(trail.Data))
	for i, e := range trail.Data {
		actions[i] = e.Action
	}
	assert.Equal(t, []models.AuditAction{
		models.AuditActionRequested,
		models.AuditActionApproved,
		models.AuditActionActivated,
		models.AuditActionCompleted,
	}, actions)
}

func TestElevationHandler_DeniedThenActivate(t *testing.T) {
	f := newAPIFixture(t, nil)
	created := f.create(t, technician, uuid.New(), models.ElevationDomainAdmin, "dsa.msc")
	base := "/api/v1/elevations/" + created.ID.String()

	w := f.do(t, approver, http.MethodPost, base+"/deny", ReasonRequest{Reason: "not in change window"})
	require.Equal(t, http.StatusOK, w.Code)
	denied := decodeElevation(t, w)
	assert.Equal(t, models.StatusDenied, denied.Status)
	require.NotNil(t, denied.DeniedReason)
	assert.Equal(t, "not in change window", *denied.DeniedReason)

	w = f.do(t, technician, http.MethodPost, base+"/activate", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "invalid_state", resp.Error)
	assert.Equal(t, "denied", resp.Details["status"])
}

func TestElevationHandler_ApproveExpired(t *testing.T) {
	f := newAPIFixture(t, func(c *models.PamPolicyConfig) {
		c.RequestTimeout = models.Duration{Duration: time.Millisecond}
	})
	created := f.create(t, technician, uuid.New(), models.ElevationDomainAdmin, "dsa.msc")
	time.Sleep(5 * time.Millisecond)

	w := f.do(t, approver, http.MethodPost, "/api/v1/elevations/"+created.ID.String()+"/approve", nil)

	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, "expired", decodeError(t, w).Error)
}

func TestElevationHandler_NotFound(t *testing.T) {
	f := newAPIFixture(t, nil)
	missing := "/api/v1/elevations/" + uuid.NewString()

	assert.Equal(t, http.StatusNotFound, f.do(t, approver, http.MethodGet, missing, nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, approver, http.MethodPost, missing+"/approve", nil).Code)
	assert.Equal(t, http.StatusNotFound, f.do(t, technician, http.MethodPost, missing+"/activate", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, approver, http.MethodGet, "/api/v1/elevations/not-a-uuid", nil).Code)
}

func TestElevationHandler_ListCursor(t *testing.T) {
	f := newAPIFixture(t, nil)
	session := uuid.New()
	for _, target := range []string{"a.exe", "b.exe", "c.exe", "d.exe", "e.exe"} {
		f.create(t, technician, session, models.ElevationDomainAdmin, target)
	}
	f.create(t, technician, uuid.New(), models.ElevationDomainAdmin, "other.exe")

	seen := map[uuid.UUID]bool{}
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		target := "/api/v1/elevations?limit=2&status=pending,approved&session_id=" + session.String()
		if cursor != "" {
			target += "&cursor=" + cursor
		}
		w := f.do(t, approver, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		var page struct {
			Data       []ElevationResponse `json:"data"`
			NextCursor string              `json:"next_cursor"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
		for _, r := range page.Data {
			assert.Equal(t, session, r.SessionID)
			assert.False(t, seen[r.ID], "request listed twice")
			seen[r.ID] = true
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Len(t, seen, 5)

	assert.Equal(t, http.StatusBadRequest, f.do(t, approver, http.MethodGet, "/api/v1/elevations?status=bogus", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, approver, http.MethodGet, "/api/v1/elevations?cursor=@@@", nil).Code)
}

func TestElevationHandler_RevokeSession(t *testing.T) {
	f := newAPIFixture(t, nil)
	session := uuid.New()
	a := f.create(t, technician, session, models.ElevationRunAsUser, "a.exe")
	b := f.create(t, technician, session, models.ElevationDomainAdmin, "b.exe")

	w := f.do(t, admin, http.MethodPost, "/api/v1/sessions/"+session.String()+"/revoke", ReasonRequest{Reason: "session closed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Data RevokeSessionResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, session, resp.Data.SessionID)
	ended := map[uuid.UUID]models.ElevationStatus{}
	for _, r := range resp.Data.Ended {
		ended[r.ID] = r.Status
	}
	assert.Equal(t, map[uuid.UUID]models.ElevationStatus{a.ID: models.StatusFailed, b.ID: models.StatusDenied}, ended)

	f.flush(t)
	w = f.do(t, admin, http.MethodGet, "/api/v1/sessions/"+session.String()+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var trail struct {
		Data []models.AuditEntry `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&trail))
	counts := map[models.AuditAction]int{}
	for _, e := range trail.Data {
		counts[e.Action]++
	}
	assert.Equal(t, 2, counts[models.AuditActionRequested])
	assert.Equal(t, 1, counts[models.AuditActionRevoked])
	assert.Equal(t, 1, counts[models.AuditActionDenied])
	assert.Equal(t, 1, counts[models.AuditActionSessionRevoked])
}

func TestElevationHandler_SessionTrail(t *testing.T) {
	f := newAPIFixture(t, nil)
	session := uuid.New()
	a := f.create(t, technician, session, models.ElevationRunAsUser, "a.exe")
	b := f.create(t, technician, session, models.ElevationDomainAdmin, "b.exe")
	other := f.create(t, technician, uuid.New(), models.ElevationRunAsUser, "c.exe")
	f.flush(t)

	type trailPage struct {
		Data       []models.AuditEntry `json:"data"`
		NextCursor string              `json:"next_cursor"`
	}
	var entries []models.AuditEntry
	cursor := ""
	for pages := 0; pages < 10; pages++ {
		target := "/api/v1/sessions/" + session.String() + "/audit?limit=2"
		if cursor != "" {
			target += "&cursor=" + cursor
		}
		w := f.do(t, approver, http.MethodGet, target, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var page trailPage
		require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
		assert.LessOrEqual(t, len(page.Data), 2)
		entries = append(entries, page.Data...)
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	// a: requested + auto approval, b: requested
	require.Len(t, entries, 3)
	perRequest := map[uuid.UUID]int{}
	for i, e := range entries {
		assert.Equal(t, session, e.SessionID)
		require.NotNil(t, e.ElevationRequestID)
		assert.NotEqual(t, other.ID, *e.ElevationRequestID)
		perRequest[*e.ElevationRequestID]++
		if i > 0 {
			assert.Greater(t, e.Seq, entries[i-1].Seq)
		}
	}
	assert.Equal(t, map[uuid.UUID]int{a.ID: 2, b.ID: 1}, perRequest)

	w := f.do(t, approver, http.MethodGet, "/api/v1/sessions/"+uuid.NewString()+"/audit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var empty trailPage
	require.NoError(t, json.NewDecoder(w.Body).Decode(&empty))
	assert.Empty(t, empty.Data)

	assert.Equal(t, http.StatusBadRequest, f.do(t, approver, http.MethodGet, "/api/v1/sessions/not-a-uuid/audit", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(t, approver, http.MethodGet, "/api/v1/sessions/"+session.String()+"/audit?limit=-1", nil).Code)
}

func TestElevationHandler_DenyWithoutReason(t *testing.T) {
	f := newAPIFixture(t, nil)
	created := f.create(t, technician, uuid.New(), models.ElevationDomainAdmin, "dsa.msc")

	w := f.do(t, approver, http.MethodPost, "/api/v1/elevations/"+created.ID.String()+"/deny", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	denied := decodeElevation(t, w)
	require.NotNil(t, denied.DeniedReason)
	assert.Equal(t, "denied by alice", *denied.DeniedReason)
}

func TestElevationHandler_Revoke(t *testing.T) {
	f := newAPIFixture(t, nil)
	created := f.create(t, technician, uuid.New(), models.ElevationRunAsUser, "msiexec.exe")
	base := "/api/v1/elevations/" + created.ID.String()

	w := f.do(t, approver, http.MethodPost, base+"/revoke", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.StatusFailed, decodeElevation(t, w).Status)

	w = f.do(t, approver, http.MethodPost, base+"/revoke", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestElevationHandler_ListScopedForTechnicians(t *testing.T) {
	f := newAPIFixture(t, nil)
	mine := f.create(t, technician, uuid.New(), models.ElevationDomainAdmin, "a.exe")
	f.create(t, otherTech, uuid.New(), models.ElevationDomainAdmin, "b.exe")

	// user_id from the query is ignored for technicians
	w := f.do(t, technician, http.MethodGet, "/api/v1/elevations?user_id=u-other", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Data []ElevationResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	require.Len(t, page.Data, 1)
	assert.Equal(t, mine.ID, page.Data[0].ID)

	w = f.do(t, approver, http.MethodGet, "/api/v1/elevations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&page))
	assert.Len(t, page.Data, 2)
}
