package heartbeat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vinayprograms/supermarket/bus"
	"github.com/vinayprograms/supermarket/protocol"
)

// busPublisher JSON-encodes onto a raw bus.
type busPublisher struct {
	bus bus.MessageBus
}

func (p busPublisher) Publish(topic string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.bus.Publish(topic, data)
}

// failingPublisher fails the first n publishes.
type failingPublisher struct {
	mu    sync.Mutex
	fails int
	calls int
}

func (p *failingPublisher) Publish(topic string, msg interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.calls <= p.fails {
		return errors.New("broker down")
	}
	return nil
}

// --- Unit Tests ---

func TestSenderConfig_Validate(t *testing.T) {
	pub := busPublisher{bus: bus.NewMemoryBus(bus.DefaultConfig())}
	build := func() interface{} { return protocol.Heartbeat{CheckoutID: "C1"} }

	tests := []struct {
		name    string
		cfg     SenderConfig
		wantErr bool
	}{
		{"valid", SenderConfig{Publisher: pub, Topic: "t", Build: build}, false},
		{"missing publisher", SenderConfig{Topic: "t", Build: build}, true},
		{"missing topic", SenderConfig{Publisher: pub, Build: build}, true},
		{"missing build", SenderConfig{Publisher: pub, Topic: "t"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDefaultSenderConfig(t *testing.T) {
	cfg := DefaultSenderConfig()
	if cfg.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", cfg.Interval)
	}
}

func TestHeartbeatConfig(t *testing.T) {
	cfg := HeartbeatConfig(&failingPublisher{}, "demo/v0", "C1")
	if cfg.Topic != "demo/v0/checkouts/requests" {
		t.Errorf("Topic = %q", cfg.Topic)
	}
	if cfg.Interval != 5*time.Second {
		t.Errorf("Interval = %v, want 5s", cfg.Interval)
	}
	if hb, ok := cfg.Build().(protocol.Heartbeat); !ok || hb.CheckoutID != "C1" {
		t.Errorf("Build() = %#v", cfg.Build())
	}
}

func TestStatusConfig(t *testing.T) {
	served := 0
	cfg := StatusConfig(&failingPublisher{}, "demo/v0", "C1", func() protocol.CheckoutStatus {
		served++
		return protocol.CheckoutStatus{CheckoutID: "C1", ServedCount: served}
	})
	if cfg.Topic != "demo/v0/checkouts/status/C1" {
		t.Errorf("Topic = %q", cfg.Topic)
	}
	if cfg.Interval != 2*time.Second {
		t.Errorf("Interval = %v, want 2s", cfg.Interval)
	}
	cfg.Build()
	if st := cfg.Build().(protocol.CheckoutStatus); st.ServedCount != 2 {
		t.Errorf("ServedCount = %d, want 2", st.ServedCount)
	}
}

// --- Integration Tests ---

func TestBusSender_StartStop(t *testing.T) {
	msgBus := bus.NewMemoryBus(bus.DefaultConfig())
	defer msgBus.Close()

	cfg := HeartbeatConfig(busPublisher{bus: msgBus}, "demo/v0", "C1")
	cfg.Interval = 20 * time.Millisecond
	sender, err := NewBusSender(cfg)
	if err != nil {
		t.Fatalf("NewBusSender error: %v", err)
	}

	sub, _ := msgBus.Subscribe("demo/v0/checkouts/requests")
	defer sub.Unsubscribe()

	if err := sender.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case msg := <-sub.Messages():
			decoded, err := protocol.Decode(msg.Data)
			if err != nil {
				t.Fatalf("Decode error: %v", err)
			}
			if hb, ok := decoded.(protocol.Heartbeat); !ok || hb.CheckoutID != "C1" {
				t.Errorf("got %#v, want heartbeat for C1", decoded)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for heartbeat")
		}
	}

	if err := sender.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if sender.Sent() < 2 {
		t.Errorf("Sent() = %d, want >= 2", sender.Sent())
	}
}

func TestBusSender_DoubleStart(t *testing.T) {
	sender, _ := NewBusSender(HeartbeatConfig(&failingPublisher{}, "ns", "C1"))

	ctx := context.Background()
	sender.Start(ctx)
	defer sender.Stop()

	if err := sender.Start(ctx); err != ErrAlreadyStarted {
		t.Errorf("expected ErrAlreadyStarted, got %v", err)
	}
}

func TestBusSender_StopBeforeStart(t *testing.T) {
	sender, _ := NewBusSender(HeartbeatConfig(&failingPublisher{}, "ns", "C1"))

	if err := sender.Stop(); err != ErrNotStarted {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}

func TestBusSender_SurvivesPublishFailures(t *testing.T) {
	pub := &failingPublisher{fails: 2}
	cfg := HeartbeatConfig(pub, "ns", "C1")
	cfg.Interval = 10 * time.Millisecond
	sender, _ := NewBusSender(cfg)

	sender.Start(context.Background())
	deadline := time.Now().Add(time.Second)
	for sender.Sent() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	sender.Stop()

	if sender.Failed() != 2 {
		t.Errorf("Failed() = %d, want 2", sender.Failed())
	}
	if sender.Sent() == 0 {
		t.Error("sender gave up after failures")
	}
}

func TestBusSender_ContextCancel(t *testing.T) {
	cfg := HeartbeatConfig(&failingPublisher{}, "ns", "C1")
	cfg.Interval = 10 * time.Millisecond
	sender, _ := NewBusSender(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	sender.Start(ctx)
	cancel()

	done := make(chan struct{})
	go func() {
		sender.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked after context cancel")
	}
}
