// Mesh Lamp Bridge
//
// lampbridge keeps a small registry of BLE mesh lamps, exposes each one to
// Home Assistant over MQTT discovery and translates light commands into
// Generic OnOff and Light Lightness messages sent through the mesh gateway
// daemon. Status reported by the lamps flows back as MQTT state.
//
// A web UI on the HTTP port edits the registry and can restart the bridge
// in-process.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	_ "github.com/nerrad567/meshlamp-bridge/migrations"

	"github.com/nerrad567/meshlamp-bridge/internal/api"
	"github.com/nerrad567/meshlamp-bridge/internal/bridge"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/config"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/database"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
	"github.com/nerrad567/meshlamp-bridge/internal/mesh"
	"github.com/nerrad567/meshlamp-bridge/internal/process"
)

// Version information, set at build time via ldflags:
// go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	defaultConfigPath = "configs/config.yaml"
	configEnvVar      = "LAMPBRIDGE_CONFIG"

	// gatewayDialAttempts covers a managed daemon that is still creating
	// its socket.
	gatewayDialAttempts = 10
	gatewayDialDelay    = 500 * time.Millisecond

	healthInterval = 30 * time.Second
)

func main() {
	configFlag := flag.StringP("config", "c", "", "path to config.yaml (default $"+configEnvVar+" or "+defaultConfigPath+")")
	showVersion := flag.BoolP("version", "v", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lampbridge %s (commit %s, built %s)\n", version, commit, date)
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	configPath := getConfigPath(*configFlag)
	for {
		restart, err := run(ctx, configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if !restart || ctx.Err() != nil {
			return
		}
	}
}

// getConfigPath prefers the flag, then LAMPBRIDGE_CONFIG, then the default.
func getConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if path := os.Getenv(configEnvVar); path != "" {
		return path
	}
	return defaultConfigPath
}

// run wires every component, serves until the context ends or a restart is
// requested from the UI, then tears everything down in reverse order.
//
// Returns:
//   - bool: true when the caller should run again (UI restart)
//   - error: nil on clean shutdown
func run(ctx context.Context, configPath string) (bool, error) {
	log := logging.Default()
	log.Info("starting lampbridge", "version", version, "commit", commit, "build_date", date)

	cfg, err := config.Load(configPath)
	if err != nil {
		return false, fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded", "path", configPath, "node", cfg.Node.ID)

	// Storage
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return false, fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return false, fmt.Errorf("running migrations: %w", migrateErr)
	}
	blobs := database.NewBlobStore(db)

	registry := lamp.NewRegistry(blobs, lamp.Options{
		Capacity:        cfg.Registry.Capacity,
		DuplicatePolicy: lamp.DuplicatePolicy(cfg.Registry.DuplicatePolicy),
	})
	registry.SetLogger(log.Component("registry"))
	registry.Init(ctx)
	log.Info("lamp registry loaded", "lamps", registry.Count(), "capacity", registry.Capacity())

	session := mesh.NewSessionState(blobs)
	session.SetLogger(log.Component("session"))
	session.Restore(ctx)

	// Mesh gateway
	if cfg.Mesh.Gateway.Managed {
		daemon, startErr := startGatewayDaemon(ctx, cfg.Mesh.Gateway, log)
		if startErr != nil {
			return false, startErr
		}
		defer func() {
			if stopErr := daemon.Stop(); stopErr != nil {
				log.Error("error stopping gateway daemon", "error", stopErr)
			}
		}()
	}

	deviceUUID, generated, err := mesh.ResolveDeviceUUID(ctx, blobs, cfg.Node.DeviceUUID)
	if err != nil {
		return false, fmt.Errorf("resolving mesh device UUID: %w", err)
	}
	if generated {
		log.Info("generated mesh device UUID", "uuid", deviceUUID.String())
	}

	// Provisioning frames can arrive as soon as the handshake completes,
	// before the bridge exists; the session takes them until then.
	gateway, err := connectGateway(ctx, cfg.Mesh.Gateway, deviceUUID, func(ev mesh.Event) {
		session.HandleEvent(ctx, ev)
	}, log)
	if err != nil {
		return false, err
	}
	defer func() {
		if closeErr := gateway.Close(); closeErr != nil {
			log.Error("error closing gateway", "error", closeErr)
		}
	}()

	transmitter := mesh.NewTransmitter(session, gateway, uint8(cfg.Mesh.TTL)) //nolint:gosec // TTL range is validated in config
	transmitter.SetLogger(log.Component("transmitter"))

	// MQTT
	mqttClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return false, fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", "error", closeErr)
		}
	}()
	mqttClient.SetLogger(log.Component("mqtt"))
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
	)

	// State history (optional)
	var recorder bridge.Recorder
	influxClient, err := influxdb.Connect(cfg.InfluxDB)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
	case err != nil:
		return false, fmt.Errorf("connecting to InfluxDB: %w", err)
	default:
		defer func() {
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		recorder = influxClient
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	}

	// Metrics use a registry per run so an in-process restart can
	// register the collectors again.
	var (
		metrics        *bridge.Metrics
		metricsHandler http.Handler
	)
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = bridge.NewMetrics(reg)
		metricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}

	hub := api.NewHub(cfg.HTTP.WebSocket, log.Component("websocket"))
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go hub.Run(hubCtx)

	topics := mqtt.NewTopics(cfg.MQTT.Discovery.Prefix)

	health := bridge.NewHealthReporter(bridge.HealthReporterConfig{
		BridgeID:  cfg.Node.ID,
		Version:   version,
		Topic:     fmt.Sprintf("lampbridge/%s/health", cfg.Node.ID),
		Interval:  healthInterval,
		Publisher: mqttClient,
		Gateway:   gateway,
		Session:   session,
		Lamps:     registry,
	})
	health.SetLogger(log.Component("health"))

	lampBridge, err := bridge.NewBridge(bridge.Options{
		MQTT:        mqttClient,
		Registry:    registry,
		Transmitter: transmitter,
		Session:     session,
		Topics:      &topics,
		Discovery: bridge.NewDiscovery(mqttClient, topics, bridge.DiscoveryConfig{
			BrightnessScale: cfg.MQTT.Discovery.BrightnessScale,
			Manufacturer:    cfg.MQTT.Discovery.Manufacturer,
			Model:           cfg.MQTT.Discovery.Model,
		}),
		Recorder:      recorder,
		Broadcaster:   hub,
		Metrics:       metrics,
		Health:        health,
		Logger:        log.Component("bridge"),
		AddressPolicy: bridge.AddressPolicy(cfg.Mesh.AddressPolicy),
	})
	if err != nil {
		return false, fmt.Errorf("creating bridge: %w", err)
	}

	gateway.SetOnEvent(lampBridge.HandleMeshEvent)
	mqttClient.SetOnConnect(func() {
		log.Info("MQTT connected")
		lampBridge.OnMQTTConnect()
	})
	mqttClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})

	if err := lampBridge.Start(ctx); err != nil {
		return false, fmt.Errorf("starting bridge: %w", err)
	}
	defer lampBridge.Stop()

	// HTTP
	restartCh := make(chan struct{}, 1)
	server, err := api.New(api.Deps{
		Config:      cfg.HTTP,
		Logger:      log.Component("api"),
		Registry:    registry,
		Bridge:      lampBridge,
		Health:      health,
		Session:     session,
		Database:    db,
		MQTT:        mqttClient,
		Hub:         hub,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Metrics.Path,
		Restart: func() {
			select {
			case restartCh <- struct{}{}:
			default:
			}
		},
		Version: version,
	})
	if err != nil {
		return false, fmt.Errorf("creating API server: %w", err)
	}
	if err := server.Start(ctx); err != nil {
		return false, fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("initialisation complete",
		"http", fmt.Sprintf("%s:%d", cfg.HTTP.Host, cfg.HTTP.Port),
		"lamps", registry.Count(),
		"mesh_ready", session.IsReady(),
	)

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
		return false, nil
	case <-restartCh:
		log.Info("restart requested, reinitialising")
		return true, nil
	}
}

// startGatewayDaemon runs the mesh gateway binary under supervision.
func startGatewayDaemon(ctx context.Context, gw config.MeshGatewayConfig, log *logging.Logger) (*process.Manager, error) {
	mgr := process.NewManager(process.Config{
		Name:               "mesh-gateway",
		Binary:             gw.Binary,
		Args:               gw.Args,
		RestartOnFailure:   gw.RestartOnFailure,
		RestartDelay:       time.Duration(gw.RestartDelaySeconds) * time.Second,
		MaxRestartAttempts: gw.MaxRestartAttempts,
		OnRestart: func(attempt int) {
			log.Warn("restarting mesh gateway daemon", "attempt", attempt)
		},
	})
	mgr.SetLogger(log.Component("gateway-daemon"))

	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting mesh gateway daemon: %w", err)
	}
	log.Info("mesh gateway daemon started", "binary", gw.Binary, "pid", mgr.PID())
	return mgr, nil
}

// connectGateway dials the gateway, retrying briefly while a managed
// daemon comes up. onEvent receives events from the first frame on.
func connectGateway(ctx context.Context, gw config.MeshGatewayConfig, deviceUUID uuid.UUID, onEvent func(mesh.Event), log *logging.Logger) (*mesh.GatewayClient, error) {
	gwCfg := mesh.GatewayConfig{
		Connection:        gw.Connection,
		DeviceUUID:        deviceUUID,
		ConnectTimeout:    time.Duration(gw.ConnectTimeout) * time.Second,
		ReadTimeout:       time.Duration(gw.ReadTimeout) * time.Second,
		ReconnectInterval: time.Duration(gw.ReconnectInterval) * time.Second,
		OnEvent:           onEvent,
	}

	attempts := 1
	if gw.Managed {
		attempts = gatewayDialAttempts
	}

	for i := 1; ; i++ {
		client, dialErr := mesh.ConnectGateway(ctx, gwCfg)
		if dialErr == nil {
			client.SetLogger(log.Component("gateway"))
			log.Info("mesh gateway connected", "connection", gw.Connection)
			return client, nil
		}
		if i >= attempts {
			return nil, fmt.Errorf("connecting to mesh gateway: %w", dialErr)
		}
		log.Debug("mesh gateway not ready", "attempt", i, "error", dialErr)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connecting to mesh gateway: %w", ctx.Err())
		case <-time.After(gatewayDialDelay):
		}
	}
}
