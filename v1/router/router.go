package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/gov-dx-sandbox/databridge/pkg/monitoring"
	"github.com/gov-dx-sandbox/databridge/v1/handlers"
	"github.com/gov-dx-sandbox/databridge/v1/middleware"
)

// APIPrefix is the mount point of the versioned API
const APIPrefix = "/v1/databridge"

// V1Router handles all V1 API route registration
type V1Router struct {
	requests *handlers.RequestHandler
	shares   *handlers.ShareHandler
	audit    *handlers.AuditHandler
	admin    *handlers.AdminHandler
	health   *handlers.HealthHandler
	auth     *middleware.JWTAuthMiddleware
}

// NewV1Router creates a new V1 router with all dependencies
func NewV1Router(
	requests *handlers.RequestHandler,
	shares *handlers.ShareHandler,
	audit *handlers.AuditHandler,
	admin *handlers.AdminHandler,
	health *handlers.HealthHandler,
	auth *middleware.JWTAuthMiddleware,
) *V1Router {
	return &V1Router{
		requests: requests,
		shares:   shares,
		audit:    audit,
		admin:    admin,
		health:   health,
		auth:     auth,
	}
}

// Handler builds the complete HTTP handler
func (rt *V1Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(monitoring.TraceIDMiddleware)
	r.Use(monitoring.HTTPMetricsMiddleware)

	// public
	r.Get("/health", rt.health.HealthCheck)
	r.Method(http.MethodGet, "/metrics", monitoring.Handler())

	r.Route(APIPrefix, func(r chi.Router) {
		r.Use(rt.auth.Authenticate)

		r.Route("/requests", func(r chi.Router) {
			r.Post("/", rt.requests.CreateRequest)
			r.Get("/", rt.requests.ListRequests)
			r.Get("/{id}", rt.requests.GetRequest)
			r.Post("/{id}/approve", rt.requests.ApproveRequest)
			r.Post("/{id}/reject", rt.requests.RejectRequest)
			r.Post("/{id}/revoke", rt.requests.RevokeRequest)
		})

		r.Route("/shares", func(r chi.Router) {
			r.Post("/", rt.shares.CreateShare)
			r.Get("/", rt.shares.ListShares)
			r.Get("/{id}", rt.shares.GetShare)
			r.Post("/{id}/access", rt.shares.AccessShare)
			r.Post("/{id}/revoke", rt.shares.RevokeShare)
		})

		r.Get("/audit", rt.audit.ListAudit)
		r.Post("/admin/sweep", rt.admin.Sweep)
	})

	return r
}
