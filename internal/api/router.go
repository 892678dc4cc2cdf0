package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.withRequestID, s.accessLog, s.cors, limitBody)

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/system/metrics", s.handleMetrics)

		// Device
		r.Get("/state", s.handleGetState)
		r.Get("/commands", s.handleListCommands)
		r.Post("/commands", s.handleSubmitCommand)
		r.Route("/relays/{field}", func(r chi.Router) {
			r.Put("/", s.handleSetRelay)
			r.Post("/toggle", s.handleToggleRelay)
		})
		r.Put("/valve", s.handleSetValve)

		// Roast timer
		r.Route("/roast", func(r chi.Router) {
			r.Get("/", s.handleRoastStatus)
			r.Post("/toggle", s.handleRoastToggle)
			r.Post("/reset", s.handleRoastReset)
			r.Post("/cracks", s.handleMarkCrack)
		})

		// Roast history
		r.Route("/roasts", func(r chi.Router) {
			r.Get("/", s.handleListRoasts)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRoast)
				r.Get("/samples", s.handleGetRoastSamples)
				r.Get("/events", s.handleGetRoastEvents)
			})
		})

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	RoasterID string `json:"roaster_id"`
	Serial    string `json:"serial"`
	MQTT      string `json:"mqtt,omitempty"`
}

// handleHealth returns the server health status. A down serial link
// degrades the status but still answers 200 so the UI can show it.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   s.version,
		RoasterID: s.roasterID,
		Serial:    "connected",
	}
	if !s.device.Connected() {
		resp.Status = "degraded"
		resp.Serial = "disconnected"
	}
	if s.mqtt != nil {
		resp.MQTT = "connected"
		if !s.mqtt.IsConnected() {
			resp.Status = "degraded"
			resp.MQTT = "disconnected"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}
