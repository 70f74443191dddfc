package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
	"github.com/nerrad567/meshlamp-bridge/internal/mesh"
)

const (
	// commandTimeout bounds one mesh send.
	commandTimeout = 5 * time.Second

	// Lamp command and hub status subscriptions, as the firmware uses.
	subscribeQoS = 0

	// State publishes are QoS 0 and never retained.
	stateQoS = 0

	// Hub announcement that triggers a discovery resend.
	hubOnline = "online"
)

// State sources reported to the recorder and the WebSocket hub.
const (
	SourceCommand = "command"
	SourceMesh    = "mesh"
)

// Event types broadcast to live clients.
const (
	EventLampState       = "lamp.state"
	EventRegistryChanged = "registry.changed"
)

// AddressPolicy decides how a record's address string becomes a mesh
// destination.
type AddressPolicy string

const (
	// AddressPolicyZeroSentinel parses leniently; anything resolving to 0 is
	// treated as unassigned and the command is dropped.
	AddressPolicyZeroSentinel AddressPolicy = "zero_sentinel"

	// AddressPolicyStrict requires the whole string to be a valid non-zero
	// address.
	AddressPolicyStrict AddressPolicy = "strict"
)

// MQTTClient is the MQTT surface the bridge needs. *mqtt.Client satisfies it.
type MQTTClient interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(topic string, qos byte, handler mqtt.MessageHandler) error
	Unsubscribe(topic string) error
	IsConnected() bool
}

// Registry resolves lamps. *lamp.Registry satisfies it.
type Registry interface {
	FindByName(name string) (lamp.Record, error)
	FindByAddress(addr uint16) (lamp.Record, error)
	Snapshot() []lamp.Record
}

// Transmitter sends unacknowledged sets. *mesh.Transmitter satisfies it.
type Transmitter interface {
	SendOnOff(ctx context.Context, addr uint16, on bool) (mesh.SetMessage, error)
	SendLightness(ctx context.Context, addr uint16, level uint16) (mesh.SetMessage, error)
}

// SessionHandler consumes provisioning and configuration events.
type SessionHandler interface {
	HandleEvent(ctx context.Context, ev mesh.Event)
}

// Recorder stores state history. *influxdb.Client satisfies it.
type Recorder interface {
	WriteLampState(s influxdb.LampState)
	WriteMeshCommand(name string, address uint16, opcode uint32, tid uint8)
}

// Broadcaster pushes events to live clients.
type Broadcaster interface {
	Broadcast(eventType string, payload any)
}

// Logger is the logging surface the bridge needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Options wires a Bridge. MQTT, Registry and Transmitter are required.
type Options struct {
	MQTT        MQTTClient
	Registry    Registry
	Transmitter Transmitter

	// Session receives non-status mesh events. Optional.
	Session SessionHandler

	// Topics defaults to the homeassistant prefix.
	Topics *mqtt.Topics

	// Discovery defaults to NewDiscovery over MQTT with default config.
	Discovery *Discovery

	Recorder    Recorder
	Broadcaster Broadcaster
	Metrics     *Metrics
	Health      *HealthReporter
	Logger      Logger

	// AddressPolicy defaults to AddressPolicyZeroSentinel.
	AddressPolicy AddressPolicy
}

// StateEvent is broadcast for every state published to MQTT.
type StateEvent struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	State      string `json:"state"`
	Brightness *int   `json:"brightness,omitempty"`
	Source     string `json:"source"`
}

// Bridge routes Home Assistant commands to the mesh and mesh status back
// to Home Assistant.
//
// Thread Safety: All methods are safe for concurrent use. MQTT handlers,
// mesh events and HTTP-triggered resyncs may run at the same time.
type Bridge struct {
	mqtt        MQTTClient
	registry    Registry
	transmitter Transmitter
	session     SessionHandler
	topics      mqtt.Topics
	discovery   *Discovery
	recorder    Recorder
	broadcaster Broadcaster
	metrics     *Metrics
	health      *HealthReporter
	policy      AddressPolicy

	// subscribed maps lamp name to its set topic.
	subscribed map[string]string
	resyncMu   sync.Mutex

	ctx       context.Context
	ctxCancel context.CancelFunc
	ctxMu     sync.RWMutex

	wg       sync.WaitGroup
	asyncMu  sync.Mutex
	stopped  bool
	stopOnce sync.Once

	logger   Logger
	loggerMu sync.RWMutex
}

// NewBridge validates opts and returns a bridge ready to Start.
func NewBridge(opts Options) (*Bridge, error) {
	if opts.MQTT == nil {
		return nil, errors.New("bridge: MQTT client is required")
	}
	if opts.Registry == nil {
		return nil, errors.New("bridge: registry is required")
	}
	if opts.Transmitter == nil {
		return nil, errors.New("bridge: transmitter is required")
	}

	topics := mqtt.NewTopics(mqtt.DefaultDiscoveryPrefix)
	if opts.Topics != nil {
		topics = *opts.Topics
	}

	discovery := opts.Discovery
	if discovery == nil {
		discovery = NewDiscovery(opts.MQTT, topics, DiscoveryConfig{})
	}

	policy := opts.AddressPolicy
	switch policy {
	case "":
		policy = AddressPolicyZeroSentinel
	case AddressPolicyZeroSentinel, AddressPolicyStrict:
	default:
		return nil, fmt.Errorf("bridge: unknown address policy %q", policy)
	}

	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Bridge{
		mqtt:        opts.MQTT,
		registry:    opts.Registry,
		transmitter: opts.Transmitter,
		session:     opts.Session,
		topics:      topics,
		discovery:   discovery,
		recorder:    opts.Recorder,
		broadcaster: opts.Broadcaster,
		metrics:     opts.Metrics,
		health:      opts.Health,
		policy:      policy,
		subscribed:  make(map[string]string),
		ctx:         ctx,
		ctxCancel:   cancel,
		logger:      logger,
	}, nil
}

// Start subscribes to the hub status topic, subscribes every lamp and
// publishes discovery, then starts health reporting.
//
// A failed lamp subscription or discovery publish is logged and retried
// by the next Resync; only a failed hub status subscription is fatal.
func (b *Bridge) Start(ctx context.Context) error {
	b.ctxMu.Lock()
	b.ctxCancel()
	b.ctx, b.ctxCancel = context.WithCancel(ctx)
	b.ctxMu.Unlock()

	if err := b.mqtt.Subscribe(b.topics.HubStatus(), subscribeQoS, b.handleHubStatus); err != nil {
		return fmt.Errorf("subscribing hub status: %w", err)
	}

	if err := b.Resync(ctx); err != nil {
		b.getLogger().Warn("initial resync incomplete", "error", err)
	}

	if b.health != nil {
		b.health.Start(b.context())
	}

	b.getLogger().Info("bridge started", "lamps", len(b.registry.Snapshot()), "address_policy", string(b.policy))
	return nil
}

// Stop cancels background work and waits for it. Safe to call multiple times.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.asyncMu.Lock()
		b.stopped = true
		b.asyncMu.Unlock()

		b.ctxMu.RLock()
		cancel := b.ctxCancel
		b.ctxMu.RUnlock()
		cancel()

		b.wg.Wait()

		if b.health != nil {
			b.health.Stop()
		}
		b.getLogger().Info("bridge stopped")
	})
}

// SetLogger sets the logger for this bridge.
func (b *Bridge) SetLogger(logger Logger) {
	if logger == nil {
		logger = noopLogger{}
	}
	b.loggerMu.Lock()
	b.logger = logger
	b.loggerMu.Unlock()
}

// Resync brings MQTT in line with the registry after it changed.
//
// Set topics of lamps that are gone are unsubscribed and their discovery
// config is cleared so Home Assistant drops the entity. Set topics of new
// lamps are subscribed. Discovery is then republished for every lamp.
// Failures are collected; the remaining steps still run.
func (b *Bridge) Resync(ctx context.Context) error {
	b.resyncMu.Lock()
	defer b.resyncMu.Unlock()

	records := b.registry.Snapshot()
	current := make(map[string]struct{}, len(records))
	for _, rec := range records {
		current[rec.Name] = struct{}{}
	}

	var errs []error

	for name, topic := range b.subscribed {
		if _, ok := current[name]; ok {
			continue
		}
		if err := b.mqtt.Unsubscribe(topic); err != nil {
			errs = append(errs, fmt.Errorf("unsubscribing %q: %w", name, err))
			continue
		}
		if err := b.discovery.Remove(name); err != nil {
			errs = append(errs, err)
			continue
		}
		delete(b.subscribed, name)
		b.getLogger().Info("lamp unsubscribed", "lamp", name)
	}

	for name := range current {
		if _, ok := b.subscribed[name]; ok {
			continue
		}
		topic := b.topics.LampSet(name)
		if err := b.mqtt.Subscribe(topic, subscribeQoS, b.onSetMessage); err != nil {
			errs = append(errs, fmt.Errorf("subscribing %q: %w", name, err))
			continue
		}
		b.subscribed[name] = topic
		b.getLogger().Debug("lamp subscribed", "lamp", name, "topic", topic)
	}

	published, err := b.discovery.PublishAll(records)
	if err != nil {
		errs = append(errs, err)
	}
	b.metrics.recordDiscovery(published)
	b.metrics.recordResync(len(records))

	if b.broadcaster != nil {
		b.broadcaster.Broadcast(EventRegistryChanged, records)
	}

	select {
	case <-ctx.Done():
		errs = append(errs, ctx.Err())
	default:
	}

	return errors.Join(errs...)
}

// Subscribed returns the lamp names that currently have a set subscription.
func (b *Bridge) Subscribed() []string {
	b.resyncMu.Lock()
	defer b.resyncMu.Unlock()

	names := make([]string, 0, len(b.subscribed))
	for name := range b.subscribed {
		names = append(names, name)
	}
	return names
}

// OnMQTTConnect resyncs after the broker connection is (re)established.
// It is called from the MQTT client's connect handler, so the work runs
// on its own goroutine.
func (b *Bridge) OnMQTTConnect() {
	b.goAsync(func(ctx context.Context) {
		if err := b.Resync(ctx); err != nil {
			b.getLogger().Warn("resync after MQTT connect incomplete", "error", err)
		}
	})
}

// HandleMeshEvent is the gateway event callback. Status events are routed
// to MQTT; everything else goes to the session.
func (b *Bridge) HandleMeshEvent(ev mesh.Event) {
	if ev.Kind == mesh.EventStatus {
		if err := b.handleStatus(ev.Status); err != nil {
			b.getLogger().Warn("mesh status not published", "source", lamp.FormatAddress(ev.Status.Source), "error", err)
		}
		return
	}
	if b.session != nil {
		b.session.HandleEvent(b.context(), ev)
	}
}

// onSetMessage is the MQTT handler for lamp set topics.
func (b *Bridge) onSetMessage(topic string, payload []byte) error {
	if err := b.handleSet(b.context(), topic, payload); err != nil {
		b.getLogger().Warn("lamp command dropped", "topic", topic, "error", err)
	}
	return nil
}

// handleSet turns one Home Assistant command into one mesh set and an
// optimistic state publish.
func (b *Bridge) handleSet(ctx context.Context, topic string, payload []byte) error {
	name, err := b.topics.ParseLampNameFromSetTopic(topic)
	if err != nil {
		b.metrics.recordDropped("topic")
		return err
	}

	rec, err := b.registry.FindByName(name)
	if err != nil {
		b.metrics.recordDropped("unknown_lamp")
		return fmt.Errorf("lamp %q: %w", name, err)
	}

	cmd, err := parseCommand(payload)
	if err != nil {
		b.metrics.recordDropped("malformed")
		return err
	}
	if !cmd.hasBrightness && !cmd.hasState {
		b.metrics.recordDropped("no_effect")
		b.getLogger().Debug("lamp command has no effect", "lamp", name, "payload", truncate(payload, 64))
		return nil
	}

	addr, err := b.resolveAddress(rec)
	if err != nil {
		b.metrics.recordDropped("address")
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var (
		msg   mesh.SetMessage
		state statePayload
		kind  string
	)
	if cmd.hasBrightness {
		kind = mesh.StatusLightness.String()
		msg, err = b.transmitter.SendLightness(ctx, addr, cmd.brightness)
		level := int(cmd.brightness)
		state = statePayload{State: StateOn, Brightness: &level}
	} else {
		kind = mesh.StatusOnOff.String()
		msg, err = b.transmitter.SendOnOff(ctx, addr, cmd.on)
		state = onOffState(cmd.on)
	}
	b.metrics.recordCommand(kind)
	b.metrics.recordMeshSend(kind, err)
	if err != nil {
		return fmt.Errorf("sending %s to %q at %s: %w", kind, name, lamp.FormatAddress(addr), err)
	}

	if b.recorder != nil {
		b.recorder.WriteMeshCommand(rec.Name, addr, msg.Opcode, msg.TID)
	}

	b.getLogger().Debug("lamp command sent",
		"lamp", name,
		"address", lamp.FormatAddress(addr),
		"kind", kind,
		"tid", msg.TID,
	)

	return b.publishState(rec, state, SourceCommand)
}

// handleStatus publishes a node-reported state. Unknown sources are dropped.
func (b *Bridge) handleStatus(st mesh.StatusEvent) error {
	kind := st.Kind.String()

	rec, err := b.registry.FindByAddress(st.Source)
	if err != nil {
		b.metrics.recordStatus(kind, "unknown_source")
		b.getLogger().Debug("status from unregistered address", "source", lamp.FormatAddress(st.Source), "kind", kind)
		return nil
	}

	var state statePayload
	switch st.Kind {
	case mesh.StatusOnOff:
		state = onOffState(st.Value != 0)
	case mesh.StatusLightness:
		state = lightnessState(st.Value)
	default:
		b.metrics.recordStatus(kind, "unsupported")
		return nil
	}

	b.metrics.recordStatus(kind, "published")
	return b.publishState(rec, state, SourceMesh)
}

// handleHubStatus resends discovery when Home Assistant comes online. The
// publishes wait for acknowledgement, so they must not run on the MQTT
// handler goroutine.
func (b *Bridge) handleHubStatus(_ string, payload []byte) error {
	if strings.TrimSpace(string(payload)) != hubOnline {
		return nil
	}

	b.getLogger().Info("hub online, republishing discovery")
	b.goAsync(func(context.Context) {
		published, err := b.discovery.PublishAll(b.registry.Snapshot())
		b.metrics.recordDiscovery(published)
		if err != nil {
			b.getLogger().Warn("discovery republish incomplete", "published", published, "error", err)
		}
	})
	return nil
}

func (b *Bridge) publishState(rec lamp.Record, state statePayload, source string) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding state for %q: %w", rec.Name, err)
	}

	err = b.mqtt.Publish(b.topics.LampState(rec.Name), payload, stateQoS, false)
	b.metrics.recordStatePublish(source, err)
	if err != nil {
		return fmt.Errorf("publishing state for %q: %w", rec.Name, err)
	}

	if b.recorder != nil {
		b.recorder.WriteLampState(influxdb.LampState{
			Name:       rec.Name,
			Address:    rec.Address,
			On:         state.State == StateOn,
			Brightness: state.Brightness,
			Source:     source,
		})
	}

	if b.broadcaster != nil {
		b.broadcaster.Broadcast(EventLampState, StateEvent{
			Name:       rec.Name,
			Address:    rec.Address,
			State:      state.State,
			Brightness: state.Brightness,
			Source:     source,
		})
	}
	return nil
}

func (b *Bridge) resolveAddress(rec lamp.Record) (uint16, error) {
	if b.policy == AddressPolicyStrict {
		addr, err := lamp.ParseAddress(rec.Address)
		if err != nil {
			return 0, fmt.Errorf("%w: lamp %q: %w", ErrUnresolvedAddress, rec.Name, err)
		}
		return addr, nil
	}

	addr := lamp.AddressToUint16(rec.Address)
	if addr == 0 {
		return 0, fmt.Errorf("%w: lamp %q address %q is unassigned", ErrUnresolvedAddress, rec.Name, rec.Address)
	}
	return addr, nil
}

// goAsync runs fn on a tracked goroutine unless the bridge is stopping.
func (b *Bridge) goAsync(fn func(ctx context.Context)) {
	b.asyncMu.Lock()
	defer b.asyncMu.Unlock()
	if b.stopped {
		return
	}

	ctx := b.context()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

func (b *Bridge) context() context.Context {
	b.ctxMu.RLock()
	defer b.ctxMu.RUnlock()
	return b.ctx
}

func (b *Bridge) getLogger() Logger {
	b.loggerMu.RLock()
	defer b.loggerMu.RUnlock()
	return b.logger
}
