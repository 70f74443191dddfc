package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	// Configuration pages
	r.Get("/", s.handleOverview)
	r.Get("/add_lamp_page", s.handleAddLampPage)
	r.Get("/edit_lamp", s.handleEditLampPage)
	r.Post("/add_lamp", s.handleAddLamp)
	r.Post("/remove_lamp", s.handleRemoveLamp)
	r.Post("/update_lamp", s.handleUpdateLamp)
	r.Post("/restart", s.handleRestart)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/metrics", s.handleSystemMetrics)
		r.Get("/session", s.handleSession)
		r.Get("/lamps", s.handleListLamps)
		r.Get("/lamps/{name}", s.handleGetLamp)
	})

	wsPath := s.cfg.WebSocket.Path
	if wsPath == "" {
		wsPath = "/ws"
	}
	r.Get(wsPath, s.handleWebSocket)

	if s.metrics != nil {
		path := s.metricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, s.metrics)
	}

	return r
}
