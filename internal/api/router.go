package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/tryonhub/internal/api/middleware"
	"github.com/kiranshivaraju/tryonhub/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth *mw.Auth

	HealthHandler http.HandlerFunc
	PushHandler   http.HandlerFunc
	AppVersion    http.HandlerFunc

	SubmitTryon http.HandlerFunc
	SubmitPose  http.HandlerFunc
	GetJob      http.HandlerFunc

	ListSceneTemplates  http.HandlerFunc
	CreateSceneTemplate http.HandlerFunc
	GetSceneTemplate    http.HandlerFunc

	WindowStatus http.HandlerFunc
	WindowReset  http.HandlerFunc
	QuotaStatus  http.HandlerFunc
	QuotaSet     http.HandlerFunc
	QuotaReset   http.HandlerFunc
	CreateUser   http.HandlerFunc
	CreateKey    http.HandlerFunc

	PublishAppVersion http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	r.Get("/api/v1/version", orNotImplemented(deps.AppVersion))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.Get("/ws/users/{userID}", orNotImplemented(deps.PushHandler))

		r.Post("/api/v1/tryon", orNotImplemented(deps.SubmitTryon))
		r.Post("/api/v1/poses", orNotImplemented(deps.SubmitPose))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))

		r.Get("/api/v1/scene-templates", orNotImplemented(deps.ListSceneTemplates))
		r.Post("/api/v1/scene-templates", orNotImplemented(deps.CreateSceneTemplate))
		r.Get("/api/v1/scene-templates/{templateID}", orNotImplemented(deps.GetSceneTemplate))

		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope("admin"))

			r.Get("/api/v1/admin/ratelimit/{principal}", orNotImplemented(deps.WindowStatus))
			r.Delete("/api/v1/admin/ratelimit/{principal}", orNotImplemented(deps.WindowReset))

			r.Get("/api/v1/admin/quotas/{userID}", orNotImplemented(deps.QuotaStatus))
			r.Put("/api/v1/admin/quotas/{userID}", orNotImplemented(deps.QuotaSet))
			r.Delete("/api/v1/admin/quotas/{userID}", orNotImplemented(deps.QuotaReset))

			r.Post("/api/v1/admin/users", orNotImplemented(deps.CreateUser))
			r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKey))

			r.Post("/api/v1/admin/app-versions", orNotImplemented(deps.PublishAppVersion))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
