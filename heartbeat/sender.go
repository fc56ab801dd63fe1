package heartbeat

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/supermarket/logging"
)

// BusSender publishes a message at a fixed interval.
type BusSender struct {
	publisher Publisher
	topic     string
	build     func() interface{}
	interval  time.Duration
	log       *logging.Logger

	sent   atomic.Uint64
	failed atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var _ Sender = (*BusSender)(nil)

// NewBusSender creates a new periodic sender.
func NewBusSender(cfg SenderConfig) (*BusSender, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSenderConfig().Interval
	}

	log := cfg.Logger
	if log == nil {
		log = logging.Nop()
	}

	return &BusSender{
		publisher: cfg.Publisher,
		topic:     cfg.Topic,
		build:     cfg.Build,
		interval:  interval,
		log:       log.WithComponent("heartbeat"),
	}, nil
}

// Start begins publishing at the configured interval.
func (s *BusSender) Start(ctx context.Context) error {
	if s.running.Swap(true) {
		return ErrAlreadyStarted
	}

	if ctx == nil {
		ctx = context.Background()
	}

	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})

	go s.run(ctx)
	return nil
}

// run is the main send loop.
func (s *BusSender) run(ctx context.Context) {
	defer close(s.doneCh)

	// Send first message immediately
	s.send()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.send()
		}
	}
}

// send publishes one message. Failures are counted and logged; the next
// tick tries again.
func (s *BusSender) send() {
	if err := s.publisher.Publish(s.topic, s.build()); err != nil {
		s.failed.Add(1)
		s.log.Warn("publish_failed", map[string]interface{}{
			"topic": s.topic,
			"error": err,
		})
		return
	}
	s.sent.Add(1)
}

// Stop stops publishing and waits for the loop to exit.
func (s *BusSender) Stop() error {
	if !s.running.Swap(false) {
		return ErrNotStarted
	}
	close(s.stopCh)
	<-s.doneCh
	return nil
}

// Topic returns the topic messages are published on.
func (s *BusSender) Topic() string {
	return s.topic
}

// Sent returns how many messages were published.
func (s *BusSender) Sent() uint64 {
	return s.sent.Load()
}

// Failed returns how many publishes failed.
func (s *BusSender) Failed() uint64 {
	return s.failed.Load()
}
