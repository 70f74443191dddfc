package mesh

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestParseConnectionURL(t *testing.T) {
	tests := []struct {
		name        string
		url         string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{name: "unix socket", url: "unix:///run/meshd.sock", wantNetwork: "unix", wantAddress: "/run/meshd.sock"},
		{name: "tcp", url: "tcp://10.0.0.2:7720", wantNetwork: "tcp", wantAddress: "10.0.0.2:7720"},
		{name: "tcp without host defaults", url: "tcp://", wantNetwork: "tcp", wantAddress: "localhost:7720"},
		{name: "unix without path", url: "unix://", wantErr: true},
		{name: "unsupported scheme", url: "http://localhost:7720", wantErr: true},
		{name: "invalid URL", url: "://invalid", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			network, address, err := parseConnectionURL(tt.url)
			if tt.wantErr {
				if err == nil {
					t.Error("parseConnectionURL() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseConnectionURL() error = %v", err)
			}
			if network != tt.wantNetwork || address != tt.wantAddress {
				t.Errorf("parseConnectionURL() = %q, %q", network, address)
			}
		})
	}
}

// MockGateway is a framed gateway daemon on a loopback listener.
type MockGateway struct {
	t        *testing.T
	listener net.Listener
	refuse   bool

	mu        sync.Mutex
	conns     []net.Conn
	opens     []uuid.UUID
	sent      []SetMessage
	closed    int
	afterOpen [][]byte
}

func NewMockGateway(t *testing.T, refuse bool) *MockGateway {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	g := &MockGateway{t: t, listener: listener, refuse: refuse}
	go g.acceptLoop()
	t.Cleanup(g.Close)
	return g
}

func (g *MockGateway) URL() string {
	return "tcp://" + g.listener.Addr().String()
}

func (g *MockGateway) acceptLoop() {
	for {
		conn, err := g.listener.Accept()
		if err != nil {
			return
		}
		g.mu.Lock()
		g.conns = append(g.conns, conn)
		g.mu.Unlock()
		go g.serve(conn)
	}
}

func (g *MockGateway) serve(conn net.Conn) {
	buf := make([]byte, readBufferSize)
	for {
		msgType, payload, err := readFrame(conn, buf)
		if err != nil {
			return
		}

		g.mu.Lock()
		switch msgType {
		case MsgOpen:
			id, _ := uuid.FromBytes(payload)
			g.opens = append(g.opens, id)
			reply := MsgOpen
			if g.refuse {
				reply = MsgClose
			}
			_, _ = conn.Write(EncodeFrame(reply, nil))
			for _, frame := range g.afterOpen {
				_, _ = conn.Write(frame)
			}
		case MsgModelSend:
			if msg, err := DecodeModelSend(payload); err == nil {
				g.sent = append(g.sent, msg)
			}
		case MsgClose:
			g.closed++
		}
		g.mu.Unlock()
	}
}

// Push writes a frame to the most recent connection.
func (g *MockGateway) Push(frame []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.conns) == 0 {
		g.t.Fatal("Push() with no connection")
	}
	if _, err := g.conns[len(g.conns)-1].Write(frame); err != nil {
		g.t.Errorf("Push() error = %v", err)
	}
}

// SendAfterOpen queues frames written immediately after each accepted
// open, before the client has returned from ConnectGateway.
func (g *MockGateway) SendAfterOpen(frames ...[]byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.afterOpen = append(g.afterOpen, frames...)
}

// DropAll closes every accepted connection.
func (g *MockGateway) DropAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.conns {
		c.Close()
	}
}

func (g *MockGateway) Opens() []uuid.UUID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]uuid.UUID(nil), g.opens...)
}

func (g *MockGateway) Sent() []SetMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]SetMessage(nil), g.sent...)
}

func (g *MockGateway) Closed() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *MockGateway) Close() {
	g.listener.Close()
	g.DropAll()
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func connectTestGateway(t *testing.T, g *MockGateway, id uuid.UUID) *GatewayClient {
	t.Helper()
	client, err := ConnectGateway(context.Background(), GatewayConfig{
		Connection:        g.URL(),
		DeviceUUID:        id,
		ConnectTimeout:    2 * time.Second,
		ReadTimeout:       time.Second,
		ReconnectInterval: 50 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("ConnectGateway() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup
	return client
}

func TestGatewayClient_HandshakeAndSend(t *testing.T) {
	g := NewMockGateway(t, false)
	id := uuid.New()
	client := connectTestGateway(t, g, id)

	if opens := g.Opens(); len(opens) != 1 || opens[0] != id {
		t.Fatalf("gateway saw opens %v, want [%s]", opens, id)
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	msg := SetMessage{
		Opcode:  OpGenericOnOffSetUnack,
		Address: 0x0013,
		NetIdx:  0,
		AppIdx:  1,
		TTL:     DefaultTTL,
		TID:     4,
		Payload: OnOffParams(true, 4),
	}
	if err := client.SendSet(context.Background(), msg); err != nil {
		t.Fatalf("SendSet() error = %v", err)
	}

	waitFor(t, "model_send", func() bool { return len(g.Sent()) == 1 })
	got := g.Sent()[0]
	if got.Opcode != msg.Opcode || got.Address != msg.Address || got.TID != msg.TID || got.AppIdx != 1 {
		t.Errorf("gateway received %+v, want %+v", got, msg)
	}
	if client.Stats().MessagesTx != 1 {
		t.Errorf("Stats().MessagesTx = %d, want 1", client.Stats().MessagesTx)
	}
}

func TestGatewayClient_ReceivesEvents(t *testing.T) {
	g := NewMockGateway(t, false)
	client := connectTestGateway(t, g, uuid.New())

	events := make(chan Event, 4)
	client.SetOnEvent(func(ev Event) { events <- ev })

	g.Push(EncodeFrame(MsgStatus, []byte{0x00, 0x13, 0x00, 0x00, 0x82, 0x04, 0x00}))
	g.Push(EncodeFrame(MsgModelAppBind, []byte{0x00, 0x05, 0x00, 0x01, 0x13, 0x02, 0xFF, 0xFF}))

	got := map[EventKind]Event{}
	for len(got) < 2 {
		select {
		case ev := <-events:
			got[ev.Kind] = ev
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d events, want 2", len(got))
		}
	}

	if st := got[EventStatus].Status; st != (StatusEvent{Source: 0x13, Kind: StatusOnOff, Value: 0}) {
		t.Errorf("status event = %+v", st)
	}
	if bind := got[EventModelAppBound]; bind.ModelID != ModelLightLightnessClient || bind.AppIdx != 1 {
		t.Errorf("bind event = %+v", bind)
	}
	if client.Stats().EventsRx != 2 {
		t.Errorf("Stats().EventsRx = %d, want 2", client.Stats().EventsRx)
	}
}

func TestGatewayClient_EventsRightAfterHandshake(t *testing.T) {
	g := NewMockGateway(t, false)
	g.SendAfterOpen(
		EncodeFrame(MsgProvComplete, []byte{0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x00, 0x00}),
		EncodeFrame(MsgModelAppBind, []byte{0x00, 0x05, 0x00, 0x01, 0x10, 0x01, 0xFF, 0xFF}),
	)

	store := NewMockBlobStore()
	session := NewSessionState(store)

	client, err := ConnectGateway(context.Background(), GatewayConfig{
		Connection:     g.URL(),
		DeviceUUID:     uuid.New(),
		ConnectTimeout: 2 * time.Second,
		OnEvent:        func(ev Event) { session.HandleEvent(context.Background(), ev) },
	})
	if err != nil {
		t.Fatalf("ConnectGateway() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // test cleanup

	waitFor(t, "session bound", session.IsReady)
	if got := session.Credentials(); got.AppIdx != 1 {
		t.Errorf("Credentials() = %+v, want app_idx 1", got)
	}
	if store.storeCount() != 1 {
		t.Errorf("session writes = %d, want 1", store.storeCount())
	}
}

func TestGatewayClient_CallbackPanicRecovered(t *testing.T) {
	g := NewMockGateway(t, false)
	client := connectTestGateway(t, g, uuid.New())

	var mu sync.Mutex
	calls := 0
	client.SetOnEvent(func(Event) {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})

	g.Push(EncodeFrame(MsgAppKeyAdd, []byte{0, 0, 0, 1}))
	g.Push(EncodeFrame(MsgAppKeyAdd, []byte{0, 0, 0, 2}))

	waitFor(t, "both callbacks", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 2
	})
	if !client.IsConnected() {
		t.Error("panicking callback should not drop the connection")
	}
}

func TestGatewayClient_Refused(t *testing.T) {
	g := NewMockGateway(t, true)

	_, err := ConnectGateway(context.Background(), GatewayConfig{
		Connection:     g.URL(),
		DeviceUUID:     uuid.New(),
		ConnectTimeout: 2 * time.Second,
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("ConnectGateway() error = %v, want ErrConnectionFailed", err)
	}
}

func TestGatewayClient_ConnectFailure(t *testing.T) {
	_, err := ConnectGateway(context.Background(), GatewayConfig{
		Connection:     "tcp://127.0.0.1:1",
		ConnectTimeout: 500 * time.Millisecond,
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("ConnectGateway() error = %v, want ErrConnectionFailed", err)
	}
}

func TestGatewayClient_Reconnects(t *testing.T) {
	g := NewMockGateway(t, false)
	id := uuid.New()
	client := connectTestGateway(t, g, id)

	g.DropAll()

	waitFor(t, "second open", func() bool { return len(g.Opens()) == 2 })
	waitFor(t, "reconnected", func() bool {
		s := client.Stats()
		return s.Connected && s.ReconnectsTotal == 1
	})

	if err := client.SendSet(context.Background(), SetMessage{Opcode: OpGenericOnOffSetUnack, Address: 1, Payload: OnOffParams(false, 0)}); err != nil {
		t.Fatalf("SendSet() after reconnect error = %v", err)
	}
	waitFor(t, "model_send after reconnect", func() bool { return len(g.Sent()) == 1 })
}

func TestGatewayClient_CloseIsIdempotent(t *testing.T) {
	g := NewMockGateway(t, false)
	client := connectTestGateway(t, g, uuid.New())

	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	waitFor(t, "close frame", func() bool { return g.Closed() == 1 })

	if err := client.SendSet(context.Background(), SetMessage{}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("SendSet() after Close error = %v, want ErrNotConnected", err)
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close error = %v, want ErrNotConnected", err)
	}
}
