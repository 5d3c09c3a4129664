package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	mw "github.com/soaringjerry/Cohort/internal/middleware"
	"github.com/soaringjerry/Cohort/internal/services"
)

// Deps are the services the HTTP layer dispatches to.
type Deps struct {
	Studies    *services.StudyService
	Tokens     *services.EnrollmentTokenService
	Enrollment *services.EnrollmentService
	Responses  *services.ResponseService
	Shredder   *services.ResponseShredder
	Metadata   *services.ActivityMetadataService
	Auth       *services.AuthService
	JWT        *mw.JWT
	Logger     *zap.Logger
}

type Router struct {
	deps   Deps
	logger *zap.Logger
}

// NewRouter mounts the mobile and admin API under /api/v1.
func NewRouter(d Deps) *chi.Mux {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	rt := &Router{deps: d, logger: d.Logger}

	r := chi.NewRouter()
	r.Use(mw.Recovery(d.Logger))
	r.Use(mw.Logger(d.Logger))
	r.Use(mw.CORS)
	r.Use(mw.SecureHeaders)
	r.Use(mw.LocaleMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mw.NoStore)

		// Mobile app
		r.Post("/enroll", rt.handleEnroll)
		r.Post("/validateenrollmenttoken", rt.handleValidateToken)
		r.Post("/resolveenrollmenttoken", rt.handleResolveToken)
		r.Post("/withdrawfromstudy", rt.handleWithdraw)
		r.Post("/processresponse", rt.handleProcessResponse)
		r.Get("/responses", rt.handleListOwnResponses)
		r.Get("/activitymetadata", rt.handleActivityMetadata)

		r.Post("/auth/login", rt.handleLogin)

		r.Route("/admin", func(r chi.Router) {
			r.Use(d.JWT.RequireAuth)

			r.Get("/study", rt.handleGetStudy)
			r.Post("/study", rt.handleConfigureStudy)

			r.Post("/tokens", rt.handleCreateTokens)
			r.Get("/tokens/batches", rt.handleListBatches)
			r.Get("/tokens/batches/{batchId}", rt.handleListBatchTokens)
			r.Put("/tokens/{token}/properties", rt.handleSetTokenProperties)

			r.Get("/forwarding", rt.handleGetForwarding)
			r.Put("/forwarding", rt.handleUpdateForwarding)

			r.Get("/responses", rt.handleListResponses)
			r.Post("/responses/reprocess", rt.handleReprocess)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeFailure(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}
