package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/database"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/influxdb"
	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/meshlamp-bridge/internal/lamp"
	"github.com/nerrad567/meshlamp-bridge/internal/mesh"
)

// MockMQTTClient implements MQTTClient for testing.
type MockMQTTClient struct {
	mu           sync.Mutex
	published    []mockPublish
	unsubscribed []string
	connected    bool
	handlers     map[string]mqtt.MessageHandler
	publishErr   error
}

type mockPublish struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

func NewMockMQTTClient() *MockMQTTClient {
	return &MockMQTTClient{
		connected: true,
		handlers:  make(map[string]mqtt.MessageHandler),
	}
}

func (m *MockMQTTClient) Publish(topic string, payload []byte, qos byte, retained bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.publishErr != nil {
		return m.publishErr
	}
	m.published = append(m.published, mockPublish{
		Topic:    topic,
		Payload:  append([]byte(nil), payload...),
		QoS:      qos,
		Retained: retained,
	})
	return nil
}

func (m *MockMQTTClient) Subscribe(topic string, _ byte, handler mqtt.MessageHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[topic] = handler
	return nil
}

func (m *MockMQTTClient) Unsubscribe(topic string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, topic)
	m.unsubscribed = append(m.unsubscribed, topic)
	return nil
}

func (m *MockMQTTClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockMQTTClient) GetPublished() []mockPublish {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]mockPublish(nil), m.published...)
}

func (m *MockMQTTClient) PublishedTo(topic string) []mockPublish {
	var out []mockPublish
	for _, p := range m.GetPublished() {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

func (m *MockMQTTClient) ClearPublished() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = nil
}

func (m *MockMQTTClient) HasHandler(topic string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.handlers[topic]
	return ok
}

// SimulateMessage simulates receiving an MQTT message on a topic.
func (m *MockMQTTClient) SimulateMessage(topic string, payload []byte) {
	m.mu.Lock()
	handler, ok := m.handlers[topic]
	m.mu.Unlock()
	if ok {
		_ = handler(topic, payload) //nolint:errcheck // bridge handlers log their own errors
	}
}

// MockSender records mesh sets.
type MockSender struct {
	mu      sync.Mutex
	sent    []mesh.SetMessage
	sendErr error
}

func (s *MockSender) SendSet(_ context.Context, msg mesh.SetMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, msg)
	return nil
}

func (s *MockSender) Sent() []mesh.SetMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]mesh.SetMessage(nil), s.sent...)
}

// memStore is an in-memory blob store.
type memStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func newMemStore() *memStore {
	return &memStore{blobs: make(map[string][]byte)}
}

func (s *memStore) Load(_ context.Context, namespace, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.blobs[namespace+"/"+key]
	if !ok {
		return nil, database.ErrBlobNotFound
	}
	return v, nil
}

func (s *memStore) Store(_ context.Context, namespace, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[namespace+"/"+key] = append([]byte(nil), value...)
	return nil
}

func (s *memStore) Delete(_ context.Context, namespace, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, namespace+"/"+key)
	return nil
}

// MockRecorder records history writes.
type MockRecorder struct {
	mu       sync.Mutex
	states   []influxdb.LampState
	commands []uint32
}

func (r *MockRecorder) WriteLampState(s influxdb.LampState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *MockRecorder) WriteMeshCommand(_ string, _ uint16, opcode uint32, _ uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.commands = append(r.commands, opcode)
}

// MockBroadcaster records live events.
type MockBroadcaster struct {
	mu     sync.Mutex
	events []string
	last   any
}

func (b *MockBroadcaster) Broadcast(eventType string, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, eventType)
	b.last = payload
}

func (b *MockBroadcaster) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

type testEnv struct {
	bridge   *Bridge
	mqtt     *MockMQTTClient
	sender   *MockSender
	session  *mesh.SessionState
	registry *lamp.Registry
	recorder *MockRecorder
	hub      *MockBroadcaster
}

type envOption func(*Options)

func withPolicy(p AddressPolicy) envOption {
	return func(o *Options) { o.AddressPolicy = p }
}

// newTestEnv starts a bridge over a ready session and the given lamps.
// Publishes made during Start are cleared.
func newTestEnv(t *testing.T, lamps []lamp.Record, opts ...envOption) *testEnv {
	t.Helper()
	ctx := context.Background()

	store := newMemStore()
	registry := lamp.NewRegistry(store, lamp.Options{})
	registry.Init(ctx)
	for _, rec := range lamps {
		if err := registry.Add(ctx, rec); err != nil {
			t.Fatalf("Add(%+v) error = %v", rec, err)
		}
	}

	session := mesh.NewSessionState(store)
	session.OnProvisioningComplete(ctx, 0x0000, 0x0001)
	if err := session.OnAppKeyBound(ctx, 0x0000); err != nil {
		t.Fatalf("OnAppKeyBound() error = %v", err)
	}

	env := &testEnv{
		mqtt:     NewMockMQTTClient(),
		sender:   &MockSender{},
		session:  session,
		registry: registry,
		recorder: &MockRecorder{},
		hub:      &MockBroadcaster{},
	}

	o := Options{
		MQTT:        env.mqtt,
		Registry:    registry,
		Transmitter: mesh.NewTransmitter(session, env.sender, 0),
		Session:     session,
		Recorder:    env.recorder,
		Broadcaster: env.hub,
	}
	for _, opt := range opts {
		opt(&o)
	}

	b, err := NewBridge(o)
	if err != nil {
		t.Fatalf("NewBridge() error = %v", err)
	}
	if err := b.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(b.Stop)

	env.bridge = b
	env.mqtt.ClearPublished()
	return env
}

var kitchen = lamp.Record{Name: "kitchen", Address: "0x0013"}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestNewBridgeRequiresDependencies(t *testing.T) {
	tests := []struct {
		name string
		opts Options
	}{
		{"no mqtt", Options{Registry: lamp.NewRegistry(newMemStore(), lamp.Options{}), Transmitter: &mesh.Transmitter{}}},
		{"no registry", Options{MQTT: NewMockMQTTClient(), Transmitter: &mesh.Transmitter{}}},
		{"no transmitter", Options{MQTT: NewMockMQTTClient(), Registry: lamp.NewRegistry(newMemStore(), lamp.Options{})}},
		{"bad policy", Options{
			MQTT:          NewMockMQTTClient(),
			Registry:      lamp.NewRegistry(newMemStore(), lamp.Options{}),
			Transmitter:   &mesh.Transmitter{},
			AddressPolicy: "loose",
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewBridge(tt.opts); err == nil {
				t.Error("NewBridge() error = nil, want error")
			}
		})
	}
}

func TestStartSubscribesHubAndLamps(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen, {Name: "hall", Address: "0x0014"}})

	for _, topic := range []string{
		"homeassistant/status",
		"homeassistant/light/kitchen/set",
		"homeassistant/light/hall/set",
	} {
		if !env.mqtt.HasHandler(topic) {
			t.Errorf("no subscription on %s", topic)
		}
	}
	if got := len(env.bridge.Subscribed()); got != 2 {
		t.Errorf("Subscribed() = %d names, want 2", got)
	}
}

func TestSetStateOn(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.mqtt.SimulateMessage("homeassistant/light/kitchen/set", []byte(`{"state":"ON"}`))

	sent := env.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d mesh messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.Opcode != mesh.OpGenericOnOffSetUnack {
		t.Errorf("Opcode = 0x%04X, want 0x%04X", msg.Opcode, mesh.OpGenericOnOffSetUnack)
	}
	if msg.Address != 0x0013 {
		t.Errorf("Address = 0x%04X, want 0x0013", msg.Address)
	}
	if len(msg.Payload) != 2 || msg.Payload[0] != 1 {
		t.Errorf("Payload = %v, want [1 tid]", msg.Payload)
	}

	states := env.mqtt.PublishedTo("homeassistant/light/kitchen/state")
	if len(states) != 1 {
		t.Fatalf("published %d states, want 1", len(states))
	}
	if got := string(states[0].Payload); got != `{"state":"ON"}` {
		t.Errorf("state payload = %s, want {\"state\":\"ON\"}", got)
	}
	if states[0].Retained || states[0].QoS != 0 {
		t.Errorf("state published qos=%d retained=%v, want qos 0 not retained", states[0].QoS, states[0].Retained)
	}
}

func TestSetStateOff(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.mqtt.SimulateMessage("homeassistant/light/kitchen/set", []byte(`{"state":"OFF"}`))

	sent := env.sender.Sent()
	if len(sent) != 1 || sent[0].Payload[0] != 0 {
		t.Fatalf("sent = %+v, want one on/off set with value 0", sent)
	}
	states := env.mqtt.PublishedTo("homeassistant/light/kitchen/state")
	if len(states) != 1 || string(states[0].Payload) != `{"state":"OFF"}` {
		t.Errorf("states = %+v, want one {\"state\":\"OFF\"}", states)
	}
}

func TestSetBrightness(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.mqtt.SimulateMessage("homeassistant/light/kitchen/set", []byte(`{"brightness":128}`))

	sent := env.sender.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d mesh messages, want 1", len(sent))
	}
	msg := sent[0]
	if msg.Opcode != mesh.OpLightLightnessSetUnack {
		t.Errorf("Opcode = 0x%04X, want 0x%04X", msg.Opcode, mesh.OpLightLightnessSetUnack)
	}
	if len(msg.Payload) != 3 || msg.Payload[0] != 128 || msg.Payload[1] != 0 {
		t.Errorf("Payload = %v, want [128 0 tid]", msg.Payload)
	}

	states := env.mqtt.PublishedTo("homeassistant/light/kitchen/state")
	if len(states) != 1 {
		t.Fatalf("published %d states, want 1", len(states))
	}
	if got := string(states[0].Payload); got != `{"state":"ON","brightness":128}` {
		t.Errorf("state payload = %s", got)
	}
}

func TestSetBrightnessWinsOverState(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.mqtt.SimulateMessage("homeassistant/light/kitchen/set", []byte(`{"state":"OFF","brightness":10}`))

	sent := env.sender.Sent()
	if len(sent) != 1 || sent[0].Opcode != mesh.OpLightLightnessSetUnack {
		t.Fatalf("sent = %+v, want one lightness set", sent)
	}
}

func TestSetNullBrightnessUsesState(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.mqtt.SimulateMessage("homeassistant/light/kitchen/set", []byte(`{"state":"ON","brightness":null}`))

	sent := env.sender.Sent()
	if len(sent) != 1 || sent[0].Opcode != mesh.OpGenericOnOffSetUnack || sent[0].Payload[0] != 1 {
		t.Fatalf("sent = %+v, want one on/off set with value 1", sent)
	}
	states := env.mqtt.PublishedTo("homeassistant/light/kitchen/state")
	if len(states) != 1 || string(states[0].Payload) != `{"state":"ON"}` {
		t.Errorf("states = %+v, want one {\"state\":\"ON\"}", states)
	}
}

func TestSetDroppedWithoutEffect(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		payload string
	}{
		{"unknown lamp", "homeassistant/light/garage/set", `{"state":"ON"}`},
		{"malformed json", "homeassistant/light/kitchen/set", `{state:ON`},
		{"json array", "homeassistant/light/kitchen/set", `["ON"]`},
		{"no fields", "homeassistant/light/kitchen/set", `{}`},
		{"lowercase state", "homeassistant/light/kitchen/set", `{"state":"on"}`},
		{"string brightness", "homeassistant/light/kitchen/set", `{"brightness":"128"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []lamp.Record{kitchen})
			// Unknown lamps have no subscription; deliver straight to the handler.
			_ = env.bridge.onSetMessage(tt.topic, []byte(tt.payload)) //nolint:errcheck // always nil

			if n := len(env.sender.Sent()); n != 0 {
				t.Errorf("sent %d mesh messages, want 0", n)
			}
			if n := len(env.mqtt.GetPublished()); n != 0 {
				t.Errorf("published %d messages, want 0", n)
			}
		})
	}
}

func TestSetCredentialsNotReady(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	registry := lamp.NewRegistry(store, lamp.Options{})
	registry.Init(ctx)
	if err := registry.Add(ctx, kitchen); err != nil {
		t.Fatal(err)
	}

	sender := &MockSender{}
	client := NewMockMQTTClient()
	b, err := NewBridge(Options{
		MQTT:        client,
		Registry:    registry,
		Transmitter: mesh.NewTransmitter(mesh.NewSessionState(store), sender, 0),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = b.handleSet(ctx, "homeassistant/light/kitchen/set", []byte(`{"state":"ON"}`))
	if !errors.Is(err, mesh.ErrCredentialsNotReady) {
		t.Errorf("handleSet() error = %v, want ErrCredentialsNotReady", err)
	}
	if len(sender.Sent()) != 0 || len(client.GetPublished()) != 0 {
		t.Error("command with no credentials must not send or publish")
	}
}

func TestSetSendFailureSkipsPublish(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})
	env.sender.sendErr = mesh.ErrNotConnected

	err := env.bridge.handleSet(context.Background(), "homeassistant/light/kitchen/set", []byte(`{"state":"ON"}`))
	if !errors.Is(err, mesh.ErrNotConnected) {
		t.Errorf("handleSet() error = %v, want ErrNotConnected", err)
	}
	if n := len(env.mqtt.GetPublished()); n != 0 {
		t.Errorf("published %d messages after failed send, want 0", n)
	}
}

func TestAddressPolicies(t *testing.T) {
	tests := []struct {
		name     string
		policy   AddressPolicy
		address  string
		wantSend bool
		wantAddr uint16
	}{
		{"sentinel hex", AddressPolicyZeroSentinel, "0x0013", true, 0x0013},
		{"sentinel decimal", AddressPolicyZeroSentinel, "19", true, 19},
		{"sentinel trailing junk", AddressPolicyZeroSentinel, "0x13zz", true, 0x0013},
		{"sentinel garbage", AddressPolicyZeroSentinel, "lamp", false, 0},
		{"sentinel zero", AddressPolicyZeroSentinel, "0", false, 0},
		{"strict hex", AddressPolicyStrict, "0x0013", true, 0x0013},
		{"strict trailing junk", AddressPolicyStrict, "0x13zz", false, 0},
		{"strict zero", AddressPolicyStrict, "0x0", false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []lamp.Record{{Name: "desk", Address: tt.address}}, withPolicy(tt.policy))

			err := env.bridge.handleSet(context.Background(), "homeassistant/light/desk/set", []byte(`{"state":"ON"}`))
			sent := env.sender.Sent()

			if !tt.wantSend {
				if !errors.Is(err, ErrUnresolvedAddress) {
					t.Errorf("handleSet() error = %v, want ErrUnresolvedAddress", err)
				}
				if len(sent) != 0 {
					t.Errorf("sent %d messages, want 0", len(sent))
				}
				return
			}
			if err != nil {
				t.Fatalf("handleSet() error = %v", err)
			}
			if len(sent) != 1 || sent[0].Address != tt.wantAddr {
				t.Errorf("sent = %+v, want one message to 0x%04X", sent, tt.wantAddr)
			}
		})
	}
}

func TestMeshStatusPublishesState(t *testing.T) {
	tests := []struct {
		name  string
		kind  mesh.StatusKind
		value uint16
		want  string
	}{
		{"onoff on", mesh.StatusOnOff, 1, `{"state":"ON"}`},
		{"onoff off", mesh.StatusOnOff, 0, `{"state":"OFF"}`},
		{"lightness", mesh.StatusLightness, 300, `{"state":"ON","brightness":300}`},
		{"lightness zero", mesh.StatusLightness, 0, `{"state":"OFF","brightness":0}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, []lamp.Record{kitchen})

			env.bridge.HandleMeshEvent(mesh.Event{
				Kind:   mesh.EventStatus,
				Status: mesh.StatusEvent{Source: 0x0013, Kind: tt.kind, Value: tt.value},
			})

			states := env.mqtt.PublishedTo("homeassistant/light/kitchen/state")
			if len(states) != 1 {
				t.Fatalf("published %d states, want 1", len(states))
			}
			if got := string(states[0].Payload); got != tt.want {
				t.Errorf("state payload = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestMeshStatusUnknownAddress(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.bridge.HandleMeshEvent(mesh.Event{
		Kind:   mesh.EventStatus,
		Status: mesh.StatusEvent{Source: 0x0099, Kind: mesh.StatusOnOff, Value: 1},
	})

	if n := len(env.mqtt.GetPublished()); n != 0 {
		t.Errorf("published %d messages for unknown address, want 0", n)
	}
}

func TestMeshNonStatusEventGoesToSession(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	registry := lamp.NewRegistry(store, lamp.Options{})
	registry.Init(ctx)
	session := mesh.NewSessionState(store)

	b, err := NewBridge(Options{
		MQTT:        NewMockMQTTClient(),
		Registry:    registry,
		Transmitter: mesh.NewTransmitter(session, &MockSender{}, 0),
		Session:     session,
	})
	if err != nil {
		t.Fatal(err)
	}

	b.HandleMeshEvent(mesh.Event{Kind: mesh.EventProvisioned, NetIdx: 0x0000, Address: 0x0005})
	b.HandleMeshEvent(mesh.Event{Kind: mesh.EventModelAppBound, AppIdx: 0x0002, ModelID: mesh.ModelGenericOnOffClient})

	creds := session.Credentials()
	if !creds.Ready || creds.AppIdx != 0x0002 {
		t.Errorf("Credentials() = %+v, want ready with app_idx 2", creds)
	}
}

func TestStatePublishFeedsRecorderAndHub(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.mqtt.SimulateMessage("homeassistant/light/kitchen/set", []byte(`{"brightness":40}`))

	env.recorder.mu.Lock()
	states, commands := env.recorder.states, env.recorder.commands
	env.recorder.mu.Unlock()

	if len(commands) != 1 || commands[0] != mesh.OpLightLightnessSetUnack {
		t.Errorf("recorded commands = %v", commands)
	}
	if len(states) != 1 || !states[0].On || states[0].Brightness == nil || *states[0].Brightness != 40 || states[0].Source != SourceCommand {
		t.Errorf("recorded states = %+v", states)
	}

	env.hub.mu.Lock()
	last := env.hub.last
	env.hub.mu.Unlock()
	ev, ok := last.(StateEvent)
	if !ok || ev.Name != "kitchen" || ev.State != StateOn {
		t.Errorf("last broadcast = %#v, want lamp.state for kitchen", last)
	}
}

func TestHubOnlineRepublishesDiscovery(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen, {Name: "hall", Address: "0x0014"}})

	env.mqtt.SimulateMessage("homeassistant/status", []byte("offline"))
	time.Sleep(20 * time.Millisecond)
	if n := len(env.mqtt.GetPublished()); n != 0 {
		t.Fatalf("offline announcement published %d messages, want 0", n)
	}

	env.mqtt.SimulateMessage("homeassistant/status", []byte("online"))
	waitFor(t, func() bool { return len(env.mqtt.GetPublished()) == 2 })

	for _, p := range env.mqtt.GetPublished() {
		if !p.Retained || p.QoS != 1 {
			t.Errorf("discovery on %s qos=%d retained=%v, want qos 1 retained", p.Topic, p.QoS, p.Retained)
		}
	}
}

func TestResyncAfterRegistryChanges(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, []lamp.Record{kitchen})

	if err := env.registry.RemoveByName(ctx, "kitchen"); err != nil {
		t.Fatal(err)
	}
	if err := env.registry.Add(ctx, lamp.Record{Name: "porch", Address: "0x0020"}); err != nil {
		t.Fatal(err)
	}

	if err := env.bridge.Resync(ctx); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	if env.mqtt.HasHandler("homeassistant/light/kitchen/set") {
		t.Error("kitchen set topic still subscribed")
	}
	if !env.mqtt.HasHandler("homeassistant/light/porch/set") {
		t.Error("porch set topic not subscribed")
	}

	cleared := env.mqtt.PublishedTo("homeassistant/light/kitchen/config")
	if len(cleared) != 1 || len(cleared[0].Payload) != 0 || !cleared[0].Retained {
		t.Errorf("kitchen config publishes = %+v, want one empty retained", cleared)
	}
	if n := len(env.mqtt.PublishedTo("homeassistant/light/porch/config")); n != 1 {
		t.Errorf("porch config publishes = %d, want 1", n)
	}

	events := env.hub.Events()
	if len(events) == 0 || events[len(events)-1] != EventRegistryChanged {
		t.Errorf("broadcast events = %v, want registry.changed last", events)
	}
}

func TestOnMQTTConnectResyncs(t *testing.T) {
	env := newTestEnv(t, []lamp.Record{kitchen})

	env.bridge.OnMQTTConnect()
	waitFor(t, func() bool {
		return len(env.mqtt.PublishedTo("homeassistant/light/kitchen/config")) == 1
	})
}

func TestStopIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.bridge.Stop()
	env.bridge.Stop()

	// Async work is refused after Stop.
	env.bridge.OnMQTTConnect()
	time.Sleep(20 * time.Millisecond)
	if n := len(env.mqtt.GetPublished()); n != 0 {
		t.Errorf("published %d messages after Stop, want 0", n)
	}
}

func TestStateEventJSON(t *testing.T) {
	level := 5
	data, err := json.Marshal(StateEvent{Name: "a", Address: "0x0001", State: StateOn, Brightness: &level, Source: SourceMesh})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"name":"a","address":"0x0001","state":"ON","brightness":5,"source":"mesh"}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}
