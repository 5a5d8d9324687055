package reconhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
)

// MountRoutes registers reconciliation endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	limiter := httprate.Limit(6, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)

	r.Get("/gaps", h.handleGaps)
	r.Get("/flags", h.handleFlags)
	r.Get("/forecast", h.handleForecast)
	r.Post("/suggestions/{id}/approve", h.handleApprove)
	r.Post("/suggestions/{id}/reject", h.handleReject)
	r.Group(func(gr chi.Router) {
		gr.Use(limiter)
		gr.Post("/run", h.handleRun)
	})
}
