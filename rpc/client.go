package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vinayprograms/supermarket/bus"
	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/logging"
)

// Correlation fields injected into request payloads.
const (
	FieldCorrID  = "corr_id"
	FieldReplyTo = "reply_to"
	FieldType    = "type"
)

// DefaultTimeout is the request timeout used by the protocol clients.
const DefaultTimeout = 5 * time.Second

// Message is one decoded inbound payload.
type Message struct {
	Topic   string
	Type    string
	CorrID  string
	ReplyTo string

	// Payload is the complete JSON object as received.
	Payload json.RawMessage
}

// Decode unmarshals the payload into v.
func (m *Message) Decode(v interface{}) error {
	return json.Unmarshal(m.Payload, v)
}

// Handler observes inbound messages that did not answer a pending request.
// Handlers run on the delivery goroutine and must not block on Request.
type Handler func(msg *Message)

// DialFunc opens the transport for one client.
type DialFunc func(ctx context.Context) (bus.MessageBus, error)

// Config configures a Client.
type Config struct {
	// ClientID identifies the client in logs and on brokers that need it.
	ClientID string

	// Dial opens the transport on Connect.
	Dial DialFunc

	// BufferSize is the capacity of the inbound channel.
	// Default: 256
	BufferSize int

	// Logger receives delivery diagnostics. Default: a no-op logger.
	Logger *logging.Logger
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

type subscription struct {
	sub       bus.Subscription
	refs      int
	permanent bool
}

// Client turns a fire-and-forget bus into correlated request/response calls.
//
// Every subscription is forwarded into a single inbound channel drained by
// one delivery goroutine. That goroutine alone matches replies against the
// pending table and calls handlers, so ordering within a topic is kept and
// handlers never run concurrently with each other.
type Client struct {
	cfg Config
	log *logging.Logger

	mu        sync.Mutex
	bus       bus.MessageBus
	subs      map[string]*subscription
	handlers  []Handler
	connected bool
	inbound   chan *bus.Message
	stop      chan struct{}
	wg        sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[string]chan *Message
}

// NewClient creates a disconnected client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Dial == nil {
		return nil, errors.InvalidArgument("rpc: dial function required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}
	return &Client{
		cfg:     cfg,
		log:     log.WithComponent("rpc"),
		pending: make(map[string]chan *Message),
	}, nil
}

// ClientID returns the configured client id.
func (c *Client) ClientID() string {
	return c.cfg.ClientID
}

// Connect opens the transport and starts the delivery loop.
// Calling Connect on a connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return nil
	}

	b, err := c.cfg.Dial(ctx)
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrCodeUnavailable, "rpc: connect failed")
	}

	c.bus = b
	c.subs = make(map[string]*subscription)
	c.inbound = make(chan *bus.Message, c.cfg.BufferSize)
	c.stop = make(chan struct{})
	c.connected = true

	c.wg.Add(1)
	go c.deliver(c.inbound, c.stop)

	c.log.Debug("connected", map[string]interface{}{"client_id": c.cfg.ClientID})
	return nil
}

// Disconnect stops the delivery loop, drops all subscriptions and closes
// the transport. In-flight requests are left to expire on their own
// timeout. Calling Disconnect on a disconnected client is a no-op.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	c.connected = false
	close(c.stop)

	for _, s := range c.subs {
		_ = s.sub.Unsubscribe()
	}
	c.subs = nil
	err := c.bus.Close()
	c.bus = nil
	c.mu.Unlock()

	// Wait outside the lock: handlers may call Publish.
	c.wg.Wait()

	c.log.Debug("disconnected", map[string]interface{}{"client_id": c.cfg.ClientID})
	if err != nil {
		return errors.Wrap(err, "rpc: close transport")
	}
	return nil
}

// Connected reports whether the client is connected.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Subscribe registers interest in a topic or wildcard pattern for the
// lifetime of the connection.
func (c *Client) Subscribe(pattern string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return errors.Unavailable("rpc: not connected")
	}
	if s, ok := c.subs[pattern]; ok {
		s.permanent = true
		return nil
	}
	s, err := c.subscribeLocked(pattern)
	if err != nil {
		return err
	}
	s.permanent = true
	return nil
}

// subscribeLocked subscribes on the transport and starts the forwarder.
// c.mu must be held.
func (c *Client) subscribeLocked(pattern string) (*subscription, error) {
	sub, err := c.bus.Subscribe(pattern)
	if err != nil {
		return nil, errors.Wrapf(err, "rpc: subscribe %s", pattern)
	}
	s := &subscription{sub: sub}
	c.subs[pattern] = s

	c.wg.Add(1)
	go c.forward(sub, c.inbound, c.stop)
	return s, nil
}

// acquire makes sure replies on topic reach this client for the duration
// of one request. The returned release undoes a temporary subscription.
func (c *Client) acquire(topic string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.connected {
		return nil, errors.Unavailable("rpc: not connected")
	}

	s, ok := c.subs[topic]
	if !ok {
		for pattern, existing := range c.subs {
			if existing.permanent && bus.MatchTopic(pattern, topic) {
				return func() {}, nil
			}
		}
		var err error
		if s, err = c.subscribeLocked(topic); err != nil {
			return nil, err
		}
	}
	s.refs++

	return func() { c.release(topic, s) }, nil
}

func (c *Client) release(topic string, s *subscription) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s.refs--
	if s.refs > 0 || s.permanent {
		return
	}
	// The connection may have been reset since acquire.
	if c.subs[topic] == s {
		delete(c.subs, topic)
		_ = s.sub.Unsubscribe()
	}
}

// Subscriptions returns the patterns currently subscribed.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, 0, len(c.subs))
	for p := range c.subs {
		out = append(out, p)
	}
	return out
}

// AddHandler registers a handler for uncorrelated messages. Handlers are
// called in registration order.
func (c *Client) AddHandler(h Handler) {
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Publish encodes msg as compact JSON and sends it at QoS 0.
func (c *Client) Publish(topic string, msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.InvalidArgument(fmt.Sprintf("rpc: encode message: %v", err))
	}
	return c.publishRaw(topic, data)
}

func (c *Client) publishRaw(topic string, data []byte) error {
	c.mu.Lock()
	b := c.bus
	connected := c.connected
	c.mu.Unlock()

	if !connected {
		return errors.Unavailable("rpc: not connected")
	}
	if err := b.Publish(topic, data); err != nil {
		return errors.Wrapf(err, "rpc: publish %s", topic)
	}
	return nil
}

// Reply publishes a response to replyTo echoing the request's corr_id.
func (c *Client) Reply(replyTo, corrID string, msg interface{}) error {
	fields := map[string]string{}
	if corrID != "" {
		fields[FieldCorrID] = corrID
	}
	data, err := inject(msg, fields)
	if err != nil {
		return err
	}
	return c.publishRaw(replyTo, data)
}

// Request publishes msg to requestTopic and waits for the reply on
// responseTopic bearing the same correlation id.
//
// The wait slot is registered before publishing. The call fails with a
// timeout error when no reply arrives in time and with a canceled error
// when ctx ends first. Either way no pending entry is left behind. Extra
// replies for the same id are dropped.
func (c *Client) Request(ctx context.Context, requestTopic, responseTopic string, msg interface{}, timeout time.Duration) (*Message, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	corrID := uuid.NewString()
	data, err := inject(msg, map[string]string{
		FieldCorrID:  corrID,
		FieldReplyTo: responseTopic,
	})
	if err != nil {
		return nil, err
	}

	slot := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[corrID] = slot
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, corrID)
		c.pendingMu.Unlock()
	}()

	release, err := c.acquire(responseTopic)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := c.publishRaw(requestTopic, data); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-slot:
		return reply, nil
	case <-timer.C:
		return nil, errors.Timeout(
			fmt.Sprintf("no reply on %s within %s", responseTopic, timeout),
			errors.WithCorrID(corrID),
		)
	case <-ctx.Done():
		return nil, errors.Wrap(ctx.Err(), "rpc: request abandoned", errors.WithCorrID(corrID))
	}
}

// Pending returns the number of requests waiting for a reply.
func (c *Client) Pending() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// forward moves one subscription's messages onto the inbound channel until
// the subscription ends or the client disconnects.
func (c *Client) forward(sub bus.Subscription, inbound chan<- *bus.Message, stop <-chan struct{}) {
	defer c.wg.Done()

	msgs := sub.Messages()
	for {
		select {
		case <-stop:
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case inbound <- m:
			case <-stop:
				return
			}
		}
	}
}

// deliver is the single consumer of the inbound channel.
func (c *Client) deliver(inbound <-chan *bus.Message, stop <-chan struct{}) {
	defer c.wg.Done()

	for {
		select {
		case <-stop:
			return
		case raw := <-inbound:
			c.dispatch(raw)
		}
	}
}

func (c *Client) dispatch(raw *bus.Message) {
	msg, err := decode(raw)
	if err != nil {
		c.log.Debug("dropping malformed payload", map[string]interface{}{
			"topic": raw.Topic,
			"error": err,
		})
		return
	}

	if msg.CorrID != "" {
		c.pendingMu.Lock()
		slot, ok := c.pending[msg.CorrID]
		c.pendingMu.Unlock()
		if ok {
			select {
			case slot <- msg:
			default:
				// Slot already filled by an earlier duplicate.
			}
			return
		}
	}

	c.mu.Lock()
	handlers := make([]Handler, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(h, msg)
	}
}

func (c *Client) invoke(h Handler, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("handler panicked", map[string]interface{}{
				"topic": msg.Topic,
				"type":  msg.Type,
				"panic": fmt.Sprint(r),
			})
		}
	}()
	h(msg)
}

// decode accepts only JSON objects. String-typed correlation fields are
// extracted; fields of any other type are ignored.
func decode(raw *bus.Message) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw.Data, &fields); err != nil {
		return nil, err
	}
	if fields == nil {
		return nil, fmt.Errorf("payload is not an object")
	}

	msg := &Message{Topic: raw.Topic, Payload: json.RawMessage(raw.Data)}
	msg.Type = stringField(fields, FieldType)
	msg.CorrID = stringField(fields, FieldCorrID)
	msg.ReplyTo = stringField(fields, FieldReplyTo)
	return msg, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// inject encodes msg and adds the given string fields to the resulting
// object. The output has sorted keys.
func inject(msg interface{}, extra map[string]string) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.InvalidArgument(fmt.Sprintf("rpc: encode message: %v", err))
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return nil, errors.InvalidArgument("rpc: message must encode to a JSON object")
	}
	for k, v := range extra {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errors.InvalidArgument(fmt.Sprintf("rpc: encode %s: %v", k, err))
		}
		fields[k] = b
	}
	return json.Marshal(fields)
}
