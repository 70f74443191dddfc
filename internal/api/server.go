package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/meshlamp-bridge/internal/bridge"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/config"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
	"github.com/nerrad567/meshlamp-bridge/internal/mesh"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// LampRegistry is the registry surface the handlers use.
// *lamp.Registry satisfies it.
type LampRegistry interface {
	Add(ctx context.Context, rec lamp.Record) error
	RemoveByName(ctx context.Context, name string) error
	UpdateByName(ctx context.Context, originalName string, rec lamp.Record) error
	FindByName(name string) (lamp.Record, error)
	Snapshot() []lamp.Record
	Count() int
	Capacity() int
}

// Resyncer re-derives MQTT subscriptions and discovery after a registry
// change. *bridge.Bridge satisfies it.
type Resyncer interface {
	Resync(ctx context.Context) error
}

// HealthSource reports bridge health. *bridge.HealthReporter satisfies it.
type HealthSource interface {
	Snapshot() bridge.HealthMessage
}

// SessionSource exposes the mesh credentials. *mesh.SessionState satisfies it.
type SessionSource interface {
	Credentials() mesh.Credentials
}

// HealthChecker is implemented by infrastructure that can report its own
// health (the database).
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Connection reports a client's connection state (the MQTT client).
type Connection interface {
	IsConnected() bool
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config   config.HTTPConfig
	Logger   *logging.Logger
	Registry LampRegistry

	// Optional collaborators. Missing ones are reported as unavailable.
	Bridge   Resyncer
	Health   HealthSource
	Session  SessionSource
	Database HealthChecker
	MQTT     Connection

	// Hub is shared with the bridge so published states reach live clients.
	// A hub is created when nil.
	Hub *Hub

	// Metrics is mounted at MetricsPath when set.
	Metrics     http.Handler
	MetricsPath string

	// Restart is called after the /restart response is written.
	Restart func()

	Version string
}

// Server is the HTTP server for the lamp bridge.
//
// It manages the HTTP listener, routes, middleware, and WebSocket hub.
// The server is created with New() and started with Start().
type Server struct {
	cfg         config.HTTPConfig
	logger      *logging.Logger
	registry    LampRegistry
	bridge      Resyncer
	health      HealthSource
	session     SessionSource
	db          HealthChecker
	mqtt        Connection
	metrics     http.Handler
	metricsPath string
	restart     func()
	version     string
	startTime   time.Time
	pages       *pageRenderer
	server      *http.Server
	hub         *Hub
	externalHub bool
	cancel      context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
//
// Parameters:
//   - deps: Required dependencies (config, logger, registry)
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("lamp registry is required")
	}

	pages, err := newPageRenderer()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         deps.Config,
		logger:      deps.Logger,
		registry:    deps.Registry,
		bridge:      deps.Bridge,
		health:      deps.Health,
		session:     deps.Session,
		db:          deps.Database,
		mqtt:        deps.MQTT,
		metrics:     deps.Metrics,
		metricsPath: deps.MetricsPath,
		restart:     deps.Restart,
		version:     deps.Version,
		startTime:   time.Now(),
		pages:       pages,
	}

	if deps.Hub != nil {
		s.hub = deps.Hub
		s.externalHub = true
	} else {
		s.hub = NewHub(deps.Config.WebSocket, deps.Logger)
	}

	return s, nil
}

// Hub returns the server's WebSocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub (unless one was injected) and launches the
// HTTP listener in a background goroutine. The server can be stopped
// with Close().
//
// Parameters:
//   - ctx: Parent context for the hub's lifetime
//
// Returns:
//   - error: Always nil; listener errors are logged
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	if !s.externalHub {
		go s.hub.Run(srvCtx)
	}

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("HTTP server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", "error", err)
		}
	}()

	return nil
}

// Close gracefully shuts down the server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("HTTP server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}
	return nil
}

// HealthCheck verifies the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
