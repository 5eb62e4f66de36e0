package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

func siteParam(r *http.Request) string { return chi.URLParam(r, "siteID") }

// NewRouter mounts the hub's HTTP surface: the open health and login
// routes, the gateway websocket behind the site key and the operator
// routes behind a JWT.
func NewRouter(h *APIHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Post("/login", h.Login)

	r.With(h.auth.SiteKeyMiddleware(siteParam)).Get("/ws/sites/{siteID}", h.HandleSiteSocket)

	r.Group(func(r chi.Router) {
		r.Use(h.auth.JWTMiddleware)
		r.Use(middleware.Timeout(30 * time.Second))

		r.Route("/sites/{siteID}", func(r chi.Router) {
			r.Get("/status", h.SiteStatus)
			r.Post("/commands", h.SendCommand)
			r.Get("/commands", h.CommandLogs)
			r.Get("/alerts", h.Alerts)
			r.Get("/billing", h.Billing)
			r.Get("/devices/{deviceID}/metrics", h.DeviceMetrics)
			r.Put("/devices/{deviceID}/thresholds", h.PutThresholds)
		})
	})

	return r
}
