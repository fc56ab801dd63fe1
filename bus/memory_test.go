package bus

import (
	"testing"
	"time"
)

// --- Unit Tests ---

func TestValidatePattern(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{"a", false},
		{"a/b/c", false},
		{"a/+/c", false},
		{"a/#", false},
		{"#", false},
		{"", true},
		{"a/b+/c", true},
		{"a/#/c", true},
		{"a/b#", true},
	}

	for _, tt := range tests {
		err := ValidatePattern(tt.pattern)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidatePattern(%q) = %v, wantErr %v", tt.pattern, err, tt.wantErr)
		}
	}
}

func TestValidateTopic(t *testing.T) {
	if err := ValidateTopic(""); err != ErrInvalidTopic {
		t.Errorf("empty topic: %v", err)
	}
	if err := ValidateTopic("a/+/c"); err != ErrWildcardPublish {
		t.Errorf("wildcard topic: %v", err)
	}
	if err := ValidateTopic("a/b/c"); err != nil {
		t.Errorf("plain topic: %v", err)
	}
}

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern, topic string
		want           bool
	}{
		{"ns/checkouts/requests", "ns/checkouts/requests", true},
		{"ns/checkouts/requests", "ns/checkouts/responses", false},
		{"ns/checkouts/status/+", "ns/checkouts/status/C1", true},
		{"ns/checkouts/status/+", "ns/checkouts/status", false},
		{"ns/checkouts/status/+", "ns/checkouts/status/C1/x", false},
		{"ns/+/requests", "ns/manager/requests", true},
		{"ns/#", "ns/manager/responses/abc", true},
		{"ns/#", "other/manager", false},
		{"#", "anything/at/all", true},
		{"a/b", "a/b/c", false},
	}

	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestMemoryBus_PublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != nil {
		t.Errorf("Publish error: %v", err)
	}
}

// --- Integration Tests ---

func TestMemoryBus_Subscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, err := bus.Subscribe("test/topic")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	defer sub.Unsubscribe()

	if sub.Pattern() != "test/topic" {
		t.Errorf("Pattern() = %q", sub.Pattern())
	}

	bus.Publish("test/topic", []byte("hello"))

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "hello" {
			t.Errorf("data = %q, want %q", msg.Data, "hello")
		}
		if msg.Topic != "test/topic" {
			t.Errorf("topic = %q, want %q", msg.Topic, "test/topic")
		}
	case <-time.After(time.Second):
		t.Error("timeout waiting for message")
	}
}

func TestMemoryBus_WildcardSubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("ns/checkouts/status/+")
	defer sub.Unsubscribe()

	bus.Publish("ns/checkouts/status/C1", []byte("1"))
	bus.Publish("ns/checkouts/requests", []byte("ignored"))
	bus.Publish("ns/checkouts/status/C2", []byte("2"))

	for _, want := range []string{"ns/checkouts/status/C1", "ns/checkouts/status/C2"} {
		select {
		case msg := <-sub.Messages():
			if msg.Topic != want {
				t.Errorf("topic = %q, want %q", msg.Topic, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s", want)
		}
	}

	select {
	case msg := <-sub.Messages():
		t.Errorf("unexpected message on %s", msg.Topic)
	default:
	}
}

func TestMemoryBus_MultipleSubscribers(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub1, _ := bus.Subscribe("test")
	sub2, _ := bus.Subscribe("test")
	defer sub1.Unsubscribe()
	defer sub2.Unsubscribe()

	bus.Publish("test", []byte("hello"))

	for i, sub := range []Subscription{sub1, sub2} {
		select {
		case msg := <-sub.Messages():
			if string(msg.Data) != "hello" {
				t.Errorf("sub%d: data = %q, want %q", i+1, msg.Data, "hello")
			}
		case <-time.After(time.Second):
			t.Errorf("sub%d: timeout", i+1)
		}
	}
}

func TestMemoryBus_PayloadIsCopied(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")
	data := []byte("abc")
	bus.Publish("test", data)
	data[0] = 'X'

	msg := <-sub.Messages()
	if string(msg.Data) != "abc" {
		t.Errorf("data = %q, publisher mutation leaked", msg.Data)
	}
}

func TestMemoryBus_Attach(t *testing.T) {
	shared := NewMemoryBus(DefaultConfig())
	defer shared.Close()

	a := shared.Attach()
	b := shared.Attach()

	subA, _ := a.Subscribe("x")
	subB, _ := b.Subscribe("x")

	if err := a.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}

	if _, ok := <-subA.Messages(); ok {
		t.Error("client A subscription should be closed")
	}
	if err := a.Publish("x", []byte("late")); err != ErrClosed {
		t.Errorf("publish through closed client: %v", err)
	}

	if err := b.Publish("x", []byte("still here")); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	select {
	case msg := <-subB.Messages():
		if string(msg.Data) != "still here" {
			t.Errorf("data = %q", msg.Data)
		}
	case <-time.After(time.Second):
		t.Error("client B should keep receiving")
	}
	if shared.SubscriberCount() != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", shared.SubscriberCount())
	}
}

// --- Failure Tests ---

func TestMemoryBus_PublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if err := bus.Publish("test", []byte("hello")); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_SubscribeAfterClose(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	bus.Close()

	if _, err := bus.Subscribe("test"); err != ErrClosed {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("test")

	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe error: %v", err)
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("second Unsubscribe error: %v", err)
	}

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
	if bus.SubscriberCount() != 0 {
		t.Errorf("SubscriberCount() = %d", bus.SubscriberCount())
	}
}

func TestMemoryBus_CloseClosesSubscriptions(t *testing.T) {
	bus := NewMemoryBus(DefaultConfig())
	sub, _ := bus.Subscribe("test")

	bus.Close()

	if _, ok := <-sub.Messages(); ok {
		t.Error("expected channel to be closed")
	}
	if err := sub.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe after Close: %v", err)
	}
}

func TestMemoryBus_BufferFull(t *testing.T) {
	bus := NewMemoryBus(Config{BufferSize: 1})
	defer bus.Close()

	sub, _ := bus.Subscribe("test")

	bus.Publish("test", []byte("1"))
	bus.Publish("test", []byte("2")) // Should be dropped

	select {
	case msg := <-sub.Messages():
		if string(msg.Data) != "1" {
			t.Errorf("expected first message, got %q", msg.Data)
		}
	default:
		t.Error("expected at least one message")
	}

	select {
	case <-sub.Messages():
		t.Error("unexpected second message")
	default:
	}
}

// --- Performance Tests ---

func BenchmarkMemoryBus_Publish(b *testing.B) {
	bus := NewMemoryBus(DefaultConfig())
	defer bus.Close()

	sub, _ := bus.Subscribe("bench/+")
	go func() {
		for range sub.Messages() {
		}
	}()

	data := []byte("benchmark message")
	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		bus.Publish("bench/x", data)
	}
}
