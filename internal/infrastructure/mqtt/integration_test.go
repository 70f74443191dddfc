//go:build integration

package mqtt

import (
	"sync"
	"testing"
	"time"
)

// Integration tests need a broker at 127.0.0.1:1883.
//
//	go test -tags=integration ./internal/infrastructure/mqtt/...

func TestIntegration_PublishSubscribeRoundtrip(t *testing.T) {
	cfg := testConfig()
	cfg.Auth.Username = ""
	cfg.Broker.ClientID = "lampbridge-it-roundtrip"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	topic := NewTopics("lampbridge-it").LampSet("kitchen")
	var (
		mu       sync.Mutex
		received []byte
	)
	done := make(chan struct{})
	if err := client.Subscribe(NewTopics("lampbridge-it").LampSetFilter(), 1, func(_ string, payload []byte) error {
		mu.Lock()
		received = payload
		mu.Unlock()
		close(done)
		return nil
	}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	if err := client.Publish(topic, []byte(`{"state":"ON"}`), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(received) != `{"state":"ON"}` {
		t.Errorf("received %q", received)
	}
}
