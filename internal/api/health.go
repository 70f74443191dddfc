package api

import (
	"context"
	"net/http"
	"time"

	"github.com/nerrad567/meshlamp-bridge/internal/bridge"
	"github.com/nerrad567/meshlamp-bridge/internal/mesh"
)

// healthCheckTimeout bounds the database probe.
const healthCheckTimeout = 2 * time.Second

// HealthResponse is the body of GET /api/v1/health.
type HealthResponse struct {
	Status   string                `json:"status"`
	Version  string                `json:"version"`
	Database string                `json:"database"`
	MQTT     bool                  `json:"mqtt_connected"`
	Bridge   *bridge.HealthMessage `json:"bridge,omitempty"`
}

// SessionResponse is the body of GET /api/v1/session. Unset key indices
// are reported as -1.
type SessionResponse struct {
	NetIdx int   `json:"net_idx"`
	AppIdx int   `json:"app_idx"`
	TID    uint8 `json:"tid"`
	Ready  bool  `json:"ready"`
}

// handleHealth reports the bridge's components. The response is 503 only
// when the database is unreachable; a degraded bridge still answers 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Version:  s.version,
		Database: "unknown",
	}
	status := http.StatusOK

	if s.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		defer cancel()
		if err := s.db.HealthCheck(ctx); err != nil {
			s.logger.Warn("database health check failed", "error", err)
			resp.Database = "error"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	if s.mqtt != nil {
		resp.MQTT = s.mqtt.IsConnected()
	}

	if s.health != nil {
		snap := s.health.Snapshot()
		resp.Bridge = &snap
		if snap.Status != bridge.HealthHealthy && resp.Status == "ok" {
			resp.Status = "degraded"
		}
	}

	writeJSON(w, status, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	if s.session == nil {
		writeError(w, http.StatusServiceUnavailable, ErrCodeUnavailable, "mesh session not available")
		return
	}

	creds := s.session.Credentials()
	writeJSON(w, http.StatusOK, SessionResponse{
		NetIdx: keyIndex(creds.NetIdx),
		AppIdx: keyIndex(creds.AppIdx),
		TID:    creds.TID,
		Ready:  creds.Ready,
	})
}

func keyIndex(idx uint16) int {
	if idx == mesh.KeyUnused {
		return -1
	}
	return int(idx)
}
