package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"
)

func Routes(h *Handler, verifier TokenVerifier) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// after RequestID
	r.Use(RequestLogger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(BearerAuth(verifier))

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)
			r.Get("/{id}", h.GetJob)
			r.Get("/{id}/result", h.GetJobResult)
		})

		r.Route("/admin/deliveries", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/failed", h.FailedDeliveries)
			r.Post("/{handle}/replay", h.ReplayDelivery)
		})
	})

	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return r
}
