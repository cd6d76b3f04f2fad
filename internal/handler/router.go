package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	custommiddleware "github.com/pvolkov/momentum-system/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса momentum.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(h.metrics.Middleware)

	r.Route("/api/user", func(r chi.Router) {
		r.Post("/register", h.Register)
		r.Post("/login", h.Login)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Post("/goals", h.CreateGoal)
			r.Get("/goals", h.GetGoals)
			r.Delete("/goals/{number}", h.DeleteGoal)

			r.Get("/balance", h.GetBalance)

			r.Post("/rewards", h.RefreshRewards)
			r.Post("/rewards/claim", h.Claim)
		})
	})

	r.Route("/api/admin", func(r chi.Router) {
		r.Use(h.authMiddleware.Middleware)

		r.Post("/init", h.InitConfig)
		r.Post("/price", h.RefreshPrice)
		r.Post("/rewards", h.AdminRefreshRewards)
	})

	r.Handle("/metrics", promhttp.Handler())

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}
