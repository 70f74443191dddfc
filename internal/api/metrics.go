package api

import (
	"net/http"
	"runtime"
	"time"
)

// SystemMetrics is the body of GET /api/v1/metrics, a JSON summary for
// the configuration UI. Prometheus scrapes the separate metrics path.
type SystemMetrics struct {
	Timestamp     string          `json:"timestamp"`
	Version       string          `json:"version"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Runtime       RuntimeMetrics  `json:"runtime"`
	WebSocket     WSMetrics       `json:"websocket"`
	MQTT          MQTTMetrics     `json:"mqtt"`
	Gateway       *GatewayMetrics `json:"gateway,omitempty"`
	Lamps         LampMetrics     `json:"lamps"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// MQTTMetrics contains MQTT client statistics.
type MQTTMetrics struct {
	Connected bool `json:"connected"`
}

// GatewayMetrics contains mesh gateway statistics.
type GatewayMetrics struct {
	Connected     bool   `json:"connected"`
	Status        string `json:"status"`
	MessagesTx    uint64 `json:"messages_tx"`
	EventsRx      uint64 `json:"events_rx"`
	EventsDropped uint64 `json:"events_dropped"`
}

// LampMetrics contains registry statistics.
type LampMetrics struct {
	Total    int `json:"total"`
	Capacity int `json:"capacity"`
}

func (s *Server) handleSystemMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		WebSocket: WSMetrics{
			ConnectedClients: s.hub.ClientCount(),
		},
		Lamps: LampMetrics{
			Total:    s.registry.Count(),
			Capacity: s.registry.Capacity(),
		},
	}

	if s.mqtt != nil {
		metrics.MQTT.Connected = s.mqtt.IsConnected()
	}

	if s.health != nil {
		snap := s.health.Snapshot()
		metrics.Gateway = &GatewayMetrics{
			Connected:     snap.Gateway.Connected,
			Status:        string(snap.Status),
			MessagesTx:    snap.Gateway.MessagesTx,
			EventsRx:      snap.Gateway.EventsRx,
			EventsDropped: snap.Gateway.EventsDropped,
		}
	}

	writeJSON(w, http.StatusOK, metrics)
}
