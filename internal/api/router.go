package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleMetrics)
		r.Post("/discover", s.handleDiscover)

		r.Route("/gateways", func(r chi.Router) {
			r.Get("/", s.handleListGateways)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetGateway)
				r.Get("/slots", s.handleListSlots)
				r.Get("/stored", s.handleListStoredSlots)
				r.Delete("/stored", s.handleForgetGateway)
				r.Get("/stored/topics", s.handleListStoredTopics)
				r.Get("/topics", s.handleListTopics)
				r.Get("/queue", s.handleGetQueue)
				r.Get("/nodes", s.handleListNodeHealth)
				r.Post("/requests/{kind}", s.handleGatewayRequest)

				r.Route("/nodes/{node}/slots/{slot}", func(r chi.Router) {
					r.Get("/", s.handleGetStoredSlot)
					r.Post("/command", s.handleSlotCommand)
					r.Get("/history", s.handleSlotHistory)
				})
			})
		})
	})

	// Live event stream
	path := s.wsCfg.Path
	if path == "" {
		path = "/ws"
	}
	r.Get(path, s.handleWebSocket)

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	m := s.bridge.Metrics()

	status := "ok"
	if !m.MQTTConnected || m.GatewaysOnline < m.Gateways {
		status = "degraded"
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          status,
		"version":         s.version,
		"mqtt_connected":  m.MQTTConnected,
		"gateways":        m.Gateways,
		"gateways_online": m.GatewaysOnline,
	})
}
