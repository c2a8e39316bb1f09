package httpx

import (
	"log/slog"
	"net/http"

	"github.com/target/jobflow/config"
	"github.com/target/jobflow/internal/core"
	"github.com/target/jobflow/internal/service"
)

// RouterServices holds all the services needed by the HTTP router.
type RouterServices struct {
	Jobs    *service.JobService
	Uploads core.UploadStore
	Auth    config.AuthConfig

	MaxFiles        int
	MaxRequestBytes int64
	Logger          *slog.Logger     // Logger for request and server errors (optional)
	Readiness       []ReadinessCheck // Probes served on /readyz (optional)
}

// NewRouter creates and configures a new HTTP router.
func NewRouter(services RouterServices) http.Handler {
	logger := services.Logger
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()
	jobHandlers := &JobHandlers{
		Svc:             services.Jobs,
		Uploads:         services.Uploads,
		Logger:          logger,
		MaxFiles:        services.MaxFiles,
		MaxRequestBytes: services.MaxRequestBytes,
	}
	registerJobRoutes(mux, jobHandlers, NewAuthenticator(services.Auth))
	mux.Handle("GET /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("HEAD /healthz", http.HandlerFunc(healthHandler))
	mux.Handle("GET /readyz", readyHandler(services.Readiness))

	var h http.Handler = mux
	h = Logging(logger)(h)
	h = Recover(logger)(h)
	return h
}

func registerJobRoutes(mux *http.ServeMux, h *JobHandlers, auth *Authenticator) {
	authed := RequireAuth(auth)
	admin := func(fn http.HandlerFunc) http.Handler { return authed(RequireAdmin(fn)) }

	mux.Handle("POST /jobs/create", authed(http.HandlerFunc(h.CreateJob)))
	mux.Handle("GET /jobs/get-all", authed(http.HandlerFunc(h.ListJobs)))
	mux.Handle("GET /jobs/stats", admin(h.Stats))
	mux.Handle("GET /jobs/{id}", authed(http.HandlerFunc(h.GetJob)))
	mux.Handle("PATCH /jobs/{id}", admin(h.UpdateJob))
	mux.Handle("POST /jobs/{id}/cancel", authed(http.HandlerFunc(h.CancelJob)))
	mux.Handle("DELETE /jobs/{id}", admin(h.DeleteJob))
}
