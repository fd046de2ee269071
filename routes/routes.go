package routes

import (
	"net/http"

	"github.com/atlasconnect/pam/app"
	"github.com/atlasconnect/pam/handlers"
	"github.com/atlasconnect/pam/middleware"
	"github.com/atlasconnect/pam/utils"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()
	logger := deps.Logger

	// Core middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestContext)
	r.Use(middleware.AccessLog(logger.Named("http")))
	r.Use(chimw.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	paging := handlers.Paging{Default: deps.Config.PAM.PageSize, Max: deps.Config.PAM.MaxPageSize}

	var ledgerStats handlers.LedgerStats
	if deps.Ledger != nil {
		ledgerStats = deps.Ledger
	}
	health := handlers.NewHealthHandler(deps.SQLDB(), ledgerStats, logger)
	elevations := handlers.NewElevationHandler(deps.Engine, paging, logger)
	auditLog := handlers.NewAuditHandler(deps.Ledger, paging, logger)
	policy := handlers.NewPolicyHandler(deps.Policy, logger)
	events := handlers.NewEventsHandler(deps.Hub, deps.Config.Server.AllowedOrigins, logger)

	// Health check endpoints
	r.Get("/healthz", health.HandleHealth)
	r.Get("/readyz", health.HandleReadiness)

	auth := deps.AuthMiddleware
	oversight := auth.RequireRole(middleware.RoleApprover, middleware.RoleAuditor, middleware.RoleAdmin)
	approvers := auth.RequireRole(middleware.RoleApprover, middleware.RoleAdmin)
	requesters := auth.RequireRole(middleware.RoleTechnician, middleware.RoleAdmin)
	auditors := auth.RequireRole(middleware.RoleAuditor, middleware.RoleAdmin)
	admins := auth.RequireRole(middleware.RoleAdmin)

	// API v1 routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.RequireAuth)

		// Elevation lifecycle
		r.Route("/elevations", func(r chi.Router) {
			r.With(requesters).Post("/", elevations.HandleRequest)
			r.Get("/", elevations.HandleList)
			r.With(oversight).Get("/stats", elevations.HandleStats)
			r.Get("/{id}", elevations.HandleGet)
			r.With(approvers).Post("/{id}/approve", elevations.HandleApprove)
			r.With(approvers).Post("/{id}/deny", elevations.HandleDeny)
			r.With(requesters).Post("/{id}/activate", elevations.HandleActivate)
			r.With(requesters).Post("/{id}/complete", elevations.HandleComplete)
			r.With(approvers).Post("/{id}/revoke", elevations.HandleRevoke)
			r.With(oversight).Get("/{id}/audit", elevations.HandleRequestTrail)
		})

		// Terminal sessions
		r.Route("/sessions/{sessionID}", func(r chi.Router) {
			r.With(approvers).Post("/revoke", elevations.HandleRevokeSession)
			r.With(oversight).Get("/audit", elevations.HandleSessionTrail)
		})

		// Audit ledger
		r.Route("/audit", func(r chi.Router) {
			r.Use(auditors)
			r.Get("/", auditLog.HandleList)
			r.Get("/verify", auditLog.HandleVerify)
			r.Get("/stats", auditLog.HandleStats)
		})

		// Policy configuration
		r.Route("/policy", func(r chi.Router) {
			r.With(oversight).Get("/", policy.HandleGetPolicy)
			r.With(admins).Put("/", policy.HandleUpdatePolicy)
		})

		// Live ledger events
		r.Get("/events", events.HandleStream)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteNotFound(w, "endpoint not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		_ = utils.WriteError(w, http.StatusMethodNotAllowed, "method not allowed", nil)
	})

	return r
}
