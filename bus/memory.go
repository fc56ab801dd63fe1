package bus

import (
	"sync"
	"sync/atomic"
)

// MemoryBus implements MessageBus using in-memory channels.
// Useful for testing and single-process scenarios.
type MemoryBus struct {
	config Config

	mu     sync.RWMutex
	subs   []*memorySub
	closed atomic.Bool
}

type memorySub struct {
	pattern string
	ch      chan *Message
	closed  atomic.Bool
	bus     *MemoryBus
	owner   *memoryClient
}

// NewMemoryBus creates a new in-memory message bus.
func NewMemoryBus(cfg Config) *MemoryBus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}

	return &MemoryBus{
		config: cfg,
	}
}

// Publish sends a message to all matching subscribers.
func (b *MemoryBus) Publish(topic string, data []byte) error {
	if err := ValidateTopic(topic); err != nil {
		return err
	}
	if b.closed.Load() {
		return ErrClosed
	}

	// Subscribers own their copy.
	payload := make([]byte, len(data))
	copy(payload, data)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.closed.Load() || !MatchTopic(sub.pattern, topic) {
			continue
		}
		select {
		case sub.ch <- &Message{Topic: topic, Data: payload}:
		default:
			// Buffer full, drop message
		}
	}
	return nil
}

// Subscribe creates a subscription to a topic or wildcard pattern.
func (b *MemoryBus) Subscribe(pattern string) (Subscription, error) {
	return b.subscribe(pattern, nil)
}

func (b *MemoryBus) subscribe(pattern string, owner *memoryClient) (*memorySub, error) {
	if err := ValidatePattern(pattern); err != nil {
		return nil, err
	}
	if b.closed.Load() {
		return nil, ErrClosed
	}

	sub := &memorySub{
		pattern: pattern,
		ch:      make(chan *Message, b.config.BufferSize),
		bus:     b,
		owner:   owner,
	}

	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return sub, nil
}

// SubscriberCount returns the number of live subscriptions.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Attach returns a client view of the bus. Closing the view releases only
// the subscriptions made through it, leaving the shared bus running.
func (b *MemoryBus) Attach() MessageBus {
	return &memoryClient{bus: b}
}

// Close shuts down the bus.
func (b *MemoryBus) Close() error {
	if b.closed.Swap(true) {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subs {
		if !sub.closed.Swap(true) {
			close(sub.ch)
		}
	}
	b.subs = nil

	return nil
}

func (b *MemoryBus) remove(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	// Close under the write lock so no publisher is mid-send.
	close(sub.ch)
}

// Pattern returns the subscription pattern.
func (s *memorySub) Pattern() string {
	return s.pattern
}

// Messages returns the message channel.
func (s *memorySub) Messages() <-chan *Message {
	return s.ch
}

// Unsubscribe cancels the subscription.
func (s *memorySub) Unsubscribe() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.bus.remove(s)
	if s.owner != nil {
		s.owner.forget(s)
	}
	return nil
}

// memoryClient is one client's view of a shared MemoryBus.
type memoryClient struct {
	bus *MemoryBus

	mu     sync.Mutex
	subs   []*memorySub
	closed atomic.Bool
}

func (c *memoryClient) Publish(topic string, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	return c.bus.Publish(topic, data)
}

func (c *memoryClient) Subscribe(pattern string) (Subscription, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	sub, err := c.bus.subscribe(pattern, c)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *memoryClient) forget(sub *memorySub) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *memoryClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		if !sub.closed.Swap(true) {
			sub.bus.remove(sub)
		}
	}
	return nil
}
