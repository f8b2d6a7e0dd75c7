package http

import (
	"net/http"

	"github.com/ddp/uploadportal/internal/middleware"
	"go.uber.org/zap"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter constructs the HTTP handler serving the portal API.
//
// Routes:
//
//	POST /api/login                  → authHandler.Login
//	POST /api/verify                 → authHandler.Verify
//	POST /api/logout                 → authHandler.Logout
//	GET  /api/me                     → portalHandler.Me
//	PUT  /api/page                   → portalHandler.Navigate
//	GET  /api/submission             → portalHandler.Draft
//	POST /api/submission             → portalHandler.Submit
//	POST /api/submission/attestation → portalHandler.Attest
//	POST /api/submission/file        → portalHandler.Upload
//	PUT  /api/submission/metadata    → portalHandler.SetMetadata
//	PUT  /api/submission/rules       → portalHandler.SetQualityRules
//	GET  /api/approvals              → portalHandler.Pending
//	GET  /api/approvals/{id}/package → portalHandler.Download
//	POST /api/approvals/{id}/approve → portalHandler.Approve
//	POST /api/approvals/{id}/reject  → portalHandler.Reject
//	GET  /api/history                → portalHandler.History
//
// Everything except login requires a session token.
func NewRouter(
	authHandler *AuthHandler,
	portalHandler *PortalHandler,
	logger *zap.Logger,
) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.AllowContentType("application/json", "multipart/form-data"))
	r.Use(middleware.WithRequestLogging(logger))

	r.Route("/api", func(r chi.Router) {
		r.Post("/login", authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(middleware.SessionAuth(authHandler.AuthService))

			r.Post("/verify", authHandler.Verify)
			r.Post("/logout", authHandler.Logout)
			r.Get("/me", portalHandler.Me)
			r.Put("/page", portalHandler.Navigate)

			r.Route("/submission", func(r chi.Router) {
				r.Get("/", portalHandler.Draft)
				r.Post("/", portalHandler.Submit)
				r.Post("/attestation", portalHandler.Attest)
				r.Post("/file", portalHandler.Upload)
				r.Put("/metadata", portalHandler.SetMetadata)
				r.Put("/rules", portalHandler.SetQualityRules)
			})

			r.Route("/approvals", func(r chi.Router) {
				r.Get("/", portalHandler.Pending)
				r.Get("/{id}/package", portalHandler.Download)
				r.Post("/{id}/approve", portalHandler.Approve)
				r.Post("/{id}/reject", portalHandler.Reject)
			})

			r.Get("/history", portalHandler.History)
		})
	})

	return r
}
