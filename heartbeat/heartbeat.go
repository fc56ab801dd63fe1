package heartbeat

import (
	"context"
	"errors"
	"time"

	"github.com/vinayprograms/supermarket/bus"
	"github.com/vinayprograms/supermarket/logging"
	"github.com/vinayprograms/supermarket/protocol"
	"github.com/vinayprograms/supermarket/topics"
)

// Common errors.
var (
	ErrAlreadyStarted = errors.New("heartbeat already started")
	ErrNotStarted     = errors.New("heartbeat not started")
	ErrInvalidConfig  = errors.New("invalid configuration")
)

// Publisher sends one JSON-encodable message. rpc.Client satisfies it.
type Publisher interface {
	Publish(topic string, msg interface{}) error
}

// Sender publishes a message at a fixed interval.
type Sender interface {
	// Start begins publishing. Returns ErrAlreadyStarted if already running.
	Start(ctx context.Context) error

	// Stop stops publishing. Returns ErrNotStarted if not running.
	Stop() error
}

// SenderConfig configures a periodic sender.
type SenderConfig struct {
	// Publisher sends the messages.
	Publisher Publisher

	// Topic the messages are published on.
	Topic string

	// Build returns the message for each tick.
	Build func() interface{}

	// Interval between messages.
	// Default: 5 seconds
	Interval time.Duration

	// Logger receives publish failures. Default: no-op.
	Logger *logging.Logger
}

// Validate checks the configuration.
func (c *SenderConfig) Validate() error {
	if c.Publisher == nil || c.Topic == "" || c.Build == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultSenderConfig returns configuration with sensible defaults.
func DefaultSenderConfig() SenderConfig {
	return SenderConfig{
		Interval: 5 * time.Second,
	}
}

// HeartbeatConfig returns a sender configuration for a checkout's liveness
// signal on the shared checkout request topic.
func HeartbeatConfig(p Publisher, ns, checkoutID string) SenderConfig {
	cfg := DefaultSenderConfig()
	cfg.Publisher = p
	cfg.Topic = topics.CheckoutRequests(ns)
	cfg.Build = func() interface{} {
		return protocol.Heartbeat{CheckoutID: checkoutID}
	}
	return cfg
}

// StatusConfig returns a sender configuration for a checkout's telemetry on
// its own status topic. status is called on every tick.
func StatusConfig(p Publisher, ns, checkoutID string, status func() protocol.CheckoutStatus) SenderConfig {
	cfg := DefaultSenderConfig()
	cfg.Publisher = p
	cfg.Topic = topics.CheckoutStatus(ns, checkoutID)
	cfg.Interval = 2 * time.Second
	cfg.Build = func() interface{} {
		return status()
	}
	return cfg
}

// Beat is the most recent liveness information about one checkout.
type Beat struct {
	// CheckoutID identifies the checkout.
	CheckoutID string

	// Seen is when the monitor last heard from the checkout.
	Seen time.Time

	// Status is the last telemetry message, if any arrived.
	Status *protocol.CheckoutStatus
}

// Monitor watches checkout liveness and telemetry.
type Monitor interface {
	// WatchAll starts monitoring and returns a channel of updates.
	WatchAll() (<-chan *Beat, error)

	// IsAlive checks if a checkout was heard from within timeout.
	IsAlive(checkoutID string, timeout time.Duration) bool

	// Last returns the latest information about a checkout, if any.
	Last(checkoutID string) *Beat

	// OnDead registers a callback for when a checkout is presumed dead.
	OnDead(callback func(checkoutID string))

	// Stop stops monitoring.
	Stop() error
}

// MonitorConfig configures a monitor.
type MonitorConfig struct {
	// Bus is the transport to observe.
	Bus bus.MessageBus

	// Namespace prefixes the observed topics.
	// Default: topics.DefaultNamespace
	Namespace string

	// Timeout for considering a checkout dead.
	// Should be 2-3x the heartbeat interval.
	// Default: 15 seconds
	Timeout time.Duration

	// CheckInterval for the dead checkout scan.
	// Default: 1 second
	CheckInterval time.Duration
}

// Validate checks the configuration.
func (c *MonitorConfig) Validate() error {
	if c.Bus == nil {
		return ErrInvalidConfig
	}
	return nil
}

// DefaultMonitorConfig returns configuration with sensible defaults.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Namespace:     topics.DefaultNamespace,
		Timeout:       15 * time.Second,
		CheckInterval: 1 * time.Second,
	}
}
