package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/meshlamp-bridge/internal/mesh"
)

// defaultHealthInterval is how often health is published when no interval is configured.
const defaultHealthInterval = 30 * time.Second

// HealthStatus is the bridge's overall operational status.
type HealthStatus string

const (
	// HealthHealthy means MQTT and the mesh gateway are connected and the
	// session can send.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded means the bridge runs but cannot reach lamps end to end.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting is published once before the first report.
	HealthStarting HealthStatus = "starting"

	// HealthStopping is published on shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the JSON document published on the health topic and
// served by the HTTP health endpoint.
type HealthMessage struct {
	BridgeID  string        `json:"bridge_id"`
	Version   string        `json:"version"`
	Status    HealthStatus  `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Uptime    int64         `json:"uptime_seconds"`
	MQTT      bool          `json:"mqtt_connected"`
	Lamps     int           `json:"lamps"`
	Session   SessionHealth `json:"session"`
	Gateway   GatewayHealth `json:"gateway"`
}

// SessionHealth reports the mesh credentials.
type SessionHealth struct {
	Ready  bool  `json:"ready"`
	NetIdx int   `json:"net_idx"`
	AppIdx int   `json:"app_idx"`
	TID    uint8 `json:"tid"`
}

// GatewayHealth reports the mesh gateway connection.
type GatewayHealth struct {
	Connected     bool       `json:"connected"`
	Reconnecting  bool       `json:"reconnecting"`
	MessagesTx    uint64     `json:"messages_tx"`
	EventsRx      uint64     `json:"events_rx"`
	EventsDropped uint64     `json:"events_dropped"`
	Errors        uint64     `json:"errors"`
	Reconnects    uint64     `json:"reconnects"`
	LastActivity  *time.Time `json:"last_activity,omitempty"`
}

// HealthPublisher publishes health messages. Typically the MQTT client.
type HealthPublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// GatewayMonitor exposes gateway connection statistics.
type GatewayMonitor interface {
	IsConnected() bool
	Stats() mesh.GatewayStats
}

// CredentialSource exposes the mesh session.
type CredentialSource interface {
	Credentials() mesh.Credentials
}

// LampCounter reports how many lamps are registered.
type LampCounter interface {
	Count() int
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	BridgeID string
	Version  string

	// Topic receives retained health messages. Empty disables publishing;
	// Snapshot still works.
	Topic string

	// Interval defaults to 30 seconds.
	Interval time.Duration

	Publisher HealthPublisher
	Gateway   GatewayMonitor
	Session   CredentialSource
	Lamps     LampCounter
}

// HealthReporter publishes the bridge's health periodically.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
	started  bool
	startMu  sync.Mutex

	logger   Logger
	loggerMu sync.RWMutex
}

// NewHealthReporter returns a reporter ready to Start.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(logger Logger) {
	h.loggerMu.Lock()
	h.logger = logger
	h.loggerMu.Unlock()
}

// Start publishes "starting" and then reports every interval until ctx
// is cancelled or Stop is called.
func (h *HealthReporter) Start(ctx context.Context) {
	h.startMu.Lock()
	defer h.startMu.Unlock()
	if h.started {
		return
	}
	h.started = true

	if err := h.publish(h.message(HealthStarting, "bridge starting")); err != nil {
		h.logError("failed to publish starting health", err)
	}

	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status.
// Safe to call multiple times.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		//nolint:errcheck // best-effort during shutdown
		h.publish(h.message(HealthStopping, ""))
	})
}

// PublishNow publishes the current health immediately.
func (h *HealthReporter) PublishNow() error {
	return h.publish(h.Snapshot())
}

// Snapshot evaluates the current health without publishing it.
func (h *HealthReporter) Snapshot() HealthMessage {
	status, reason := h.determineStatus()
	return h.message(status, reason)
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.logError("failed to publish initial health", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.logError("failed to publish health", err)
			}
		}
	}
}

func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	switch {
	case h.cfg.Publisher == nil || !h.cfg.Publisher.IsConnected():
		return HealthDegraded, "MQTT disconnected"
	case h.cfg.Gateway == nil || !h.cfg.Gateway.IsConnected():
		return HealthDegraded, "mesh gateway disconnected"
	case h.cfg.Session != nil && !h.cfg.Session.Credentials().Ready:
		return HealthDegraded, "mesh credentials not ready"
	default:
		return HealthHealthy, ""
	}
}

func (h *HealthReporter) message(status HealthStatus, reason string) HealthMessage {
	now := time.Now()
	msg := HealthMessage{
		BridgeID:  h.cfg.BridgeID,
		Version:   h.cfg.Version,
		Status:    status,
		Reason:    reason,
		Timestamp: now.UTC(),
		Uptime:    int64(now.Sub(h.startTime).Seconds()),
		MQTT:      h.cfg.Publisher != nil && h.cfg.Publisher.IsConnected(),
		Session:   SessionHealth{NetIdx: -1, AppIdx: -1},
	}

	if h.cfg.Lamps != nil {
		msg.Lamps = h.cfg.Lamps.Count()
	}

	if h.cfg.Session != nil {
		creds := h.cfg.Session.Credentials()
		msg.Session = SessionHealth{
			Ready:  creds.Ready,
			NetIdx: keyIndex(creds.NetIdx),
			AppIdx: keyIndex(creds.AppIdx),
			TID:    creds.TID,
		}
	}

	if h.cfg.Gateway != nil {
		stats := h.cfg.Gateway.Stats()
		msg.Gateway = GatewayHealth{
			Connected:     h.cfg.Gateway.IsConnected(),
			Reconnecting:  stats.Reconnecting,
			MessagesTx:    stats.MessagesTx,
			EventsRx:      stats.EventsRx,
			EventsDropped: stats.EventsDropped,
			Errors:        stats.ErrorsTotal,
			Reconnects:    stats.ReconnectsTotal,
		}
		if !stats.LastActivity.IsZero() {
			last := stats.LastActivity.UTC()
			msg.Gateway.LastActivity = &last
		}
	}

	return msg
}

func (h *HealthReporter) publish(msg HealthMessage) error {
	if h.cfg.Publisher == nil || h.cfg.Topic == "" {
		return nil
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding health: %w", err)
	}
	return h.cfg.Publisher.Publish(h.cfg.Topic, payload, 1, true)
}

func (h *HealthReporter) logError(msg string, err error) {
	h.loggerMu.RLock()
	logger := h.logger
	h.loggerMu.RUnlock()

	if logger != nil {
		logger.Error(msg, "error", err)
	}
}

// keyIndex reports an unset key index as -1.
func keyIndex(idx uint16) int {
	if idx == mesh.KeyUnused {
		return -1
	}
	return int(idx)
}
