package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/meshlamp-bridge/internal/infrastructure/config"
)

// fakeInflux answers /ping and records line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case strings.HasSuffix(r.URL.Path, "/ping"):
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(r.URL.Path, "/api/v2/write"):
		body, _ := io.ReadAll(r.Body)
		f.mu.Lock()
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) Lines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "test-token",
		Org:           "home",
		Bucket:        "lamps",
		BatchSize:     10,
		FlushInterval: 1,
	}
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false

	_, err := Connect(cfg)
	if !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	_, err := Connect(testConfig("http://127.0.0.1:1"))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_WriteLampStateReachesServer(t *testing.T) {
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	level := 128
	client.WriteLampState(LampState{Name: "kitchen", Address: "0x0013", On: true, Brightness: &level, Source: "command"})
	client.WriteMeshCommand("kitchen", 0x0013, 0x824D, 4)
	client.Flush()

	deadline := time.Now().Add(5 * time.Second)
	for len(fake.Lines()) < 2 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}

	lines := fake.Lines()
	if len(lines) != 2 {
		t.Fatalf("received %d lines, want 2: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "lamp_state,") || !strings.Contains(lines[0], "brightness=128i") {
		t.Errorf("lamp_state line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "mesh_command,lamp=kitchen") {
		t.Errorf("mesh_command line = %q", lines[1])
	}
}

func TestClient_ClosedClientDropsWrites(t *testing.T) {
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	client, err := Connect(testConfig(srv.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	client.WriteLampState(LampState{Name: "kitchen", Address: "1", On: false, Source: "mesh"})
	client.Flush()

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
}

func TestClose_Nil(t *testing.T) {
	c := &Client{}
	if err := c.Close(); err != nil {
		t.Errorf("Close() on zero client error = %v", err)
	}
}

func TestLampStatePoint(t *testing.T) {
	ts := time.Unix(1700000000, 0)

	tests := []struct {
		name     string
		state    LampState
		contains []string
		excludes []string
	}{
		{
			name:     "on with brightness",
			state:    LampState{Name: "desk", Address: "0x0005", On: true, Brightness: intPtr(40), Source: "mesh"},
			contains: []string{"lamp_state,", "lamp=desk", "address=0x0005", "source=mesh", "on=true", "brightness=40i"},
		},
		{
			name:     "off without brightness",
			state:    LampState{Name: "desk", Address: "5", On: false, Source: "command"},
			contains: []string{"on=false"},
			excludes: []string{"brightness"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := write.PointToLineProtocol(lampStatePoint(tt.state, ts), time.Second)
			for _, want := range tt.contains {
				if !strings.Contains(line, want) {
					t.Errorf("line %q missing %q", line, want)
				}
			}
			for _, unwanted := range tt.excludes {
				if strings.Contains(line, unwanted) {
					t.Errorf("line %q should not contain %q", line, unwanted)
				}
			}
		})
	}
}

func intPtr(v int) *int { return &v }
