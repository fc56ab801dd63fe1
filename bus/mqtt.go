package bus

import (
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// mqttQoS is the only service level the protocol uses: at most once.
const mqttQoS byte = 0

// MQTTBus implements MessageBus on an MQTT broker connection.
type MQTTBus struct {
	client mqtt.Client
	config MQTTConfig

	mu     sync.Mutex
	subs   map[string][]*mqttSubscription
	closed bool
}

// MQTTConfig holds MQTT connection configuration.
type MQTTConfig struct {
	Config // Embed base config

	// Host and Port of the broker.
	Host string
	Port int

	// ClientID must be unique per connection on the broker.
	ClientID string

	// Username and Password for brokers that require them.
	Username string
	Password string

	// KeepAlive is the MQTT keepalive interval.
	KeepAlive time.Duration

	// ConnectTimeout bounds the initial connection and every
	// subscribe/unsubscribe acknowledgement.
	ConnectTimeout time.Duration

	// DisconnectQuiesce is how long Close waits for in-flight work.
	DisconnectQuiesce time.Duration
}

// DefaultMQTTConfig returns configuration with sensible defaults.
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Config:            DefaultConfig(),
		Host:              "127.0.0.1",
		Port:              1883,
		KeepAlive:         30 * time.Second,
		ConnectTimeout:    5 * time.Second,
		DisconnectQuiesce: 250 * time.Millisecond,
	}
}

// BrokerURL returns the tcp URL of the configured broker.
func (c MQTTConfig) BrokerURL() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// NewMQTTBus connects to an MQTT broker.
func NewMQTTBus(cfg MQTTConfig) (*MQTTBus, error) {
	def := DefaultMQTTConfig()
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = def.BufferSize
	}
	if cfg.Host == "" {
		cfg.Host = def.Host
	}
	if cfg.Port == 0 {
		cfg.Port = def.Port
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.DisconnectQuiesce <= 0 {
		cfg.DisconnectQuiesce = def.DisconnectQuiesce
	}

	client := mqtt.NewClient(buildMQTTOptions(cfg))
	tok := client.Connect()
	if !tok.WaitTimeout(cfg.ConnectTimeout) {
		return nil, fmt.Errorf("mqtt connect %s: timed out after %s", cfg.BrokerURL(), cfg.ConnectTimeout)
	}
	if err := tok.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.BrokerURL(), err)
	}

	return &MQTTBus{
		client: client,
		config: cfg,
		subs:   make(map[string][]*mqttSubscription),
	}, nil
}

// buildMQTTOptions constructs paho client options from config.
func buildMQTTOptions(cfg MQTTConfig) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.BrokerURL()).
		SetClientID(cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(cfg.KeepAlive).
		SetConnectTimeout(cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetOrderMatters(false)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	return opts
}

// Publish sends a message at QoS 0.
func (b *MQTTBus) Publish(topic string, data []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if b.isClosed() {
		return ErrClosed
	}

	// QoS 0 tokens complete as soon as the packet is written.
	tok := b.client.Publish(topic, mqttQoS, false, data)
	if tok.WaitTimeout(b.config.ConnectTimeout) {
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt publish: %w", err)
		}
	}
	return nil
}

// Subscribe subscribes to a topic or pattern and waits for the SUBACK, so
// delivery is established when it returns.
func (b *MQTTBus) Subscribe(pattern string) (Subscription, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}

	s := &mqttSubscription{
		pattern: pattern,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	existing := len(b.subs[pattern]) > 0
	b.subs[pattern] = append(b.subs[pattern], s)
	b.mu.Unlock()

	// The broker keeps one subscription per pattern; local fan-out covers
	// additional subscribers to the same pattern.
	if existing {
		return s, nil
	}

	tok := b.client.Subscribe(pattern, mqttQoS, func(_ mqtt.Client, m mqtt.Message) {
		b.dispatch(pattern, &Message{Topic: m.Topic(), Data: m.Payload()})
	})
	if !tok.WaitTimeout(b.config.ConnectTimeout) {
		s.close()
		b.drop(s)
		return nil, fmt.Errorf("mqtt subscribe %s: timed out", pattern)
	}
	if err := tok.Error(); err != nil {
		s.close()
		b.drop(s)
		return nil, fmt.Errorf("mqtt subscribe %s: %w", pattern, err)
	}
	return s, nil
}

func (b *MQTTBus) dispatch(pattern string, msg *Message) {
	b.mu.Lock()
	subs := append([]*mqttSubscription(nil), b.subs[pattern]...)
	b.mu.Unlock()

	for _, s := range subs {
		s.deliver(msg)
	}
}

// drop removes s and reports whether it was the last one on its pattern.
func (b *MQTTBus) drop(s *mqttSubscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[s.pattern]
	for i, x := range list {
		if x == s {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.subs, s.pattern)
		return true
	}
	b.subs[s.pattern] = list
	return false
}

func (b *MQTTBus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Close disconnects from the broker and ends all subscriptions.
func (b *MQTTBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*mqttSubscription
	for _, list := range b.subs {
		all = append(all, list...)
	}
	b.subs = make(map[string][]*mqttSubscription)
	b.mu.Unlock()

	for _, s := range all {
		s.close()
	}
	b.client.Disconnect(uint(b.config.DisconnectQuiesce / time.Millisecond))
	return nil
}

// Client returns the underlying paho client for advanced use.
func (b *MQTTBus) Client() mqtt.Client {
	return b.client
}

type mqttSubscription struct {
	pattern string
	ch      chan *Message
	bus     *MQTTBus

	mu     sync.Mutex
	closed bool
}

func (s *mqttSubscription) deliver(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- msg:
	default:
		// Buffer full, drop message
	}
}

func (s *mqttSubscription) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.ch)
	return true
}

func (s *mqttSubscription) Pattern() string {
	return s.pattern
}

func (s *mqttSubscription) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription. The broker subscription is released
// when the last local subscriber to the pattern leaves.
func (s *mqttSubscription) Unsubscribe() error {
	if !s.close() {
		return nil
	}
	if !s.bus.drop(s) || s.bus.isClosed() {
		return nil
	}
	tok := s.bus.client.Unsubscribe(s.pattern)
	if tok.WaitTimeout(s.bus.config.ConnectTimeout) {
		if err := tok.Error(); err != nil {
			return fmt.Errorf("mqtt unsubscribe %s: %w", s.pattern, err)
		}
	}
	return nil
}
