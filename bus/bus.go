// Package bus provides the publish/subscribe transports the coordination
// protocol runs on.
//
// Topics use MQTT syntax: levels separated by "/", "+" matching exactly one
// level and a trailing "#" matching any remainder. Delivery is QoS 0
// everywhere: at most once, no ordering across topics, and a subscriber
// whose buffer is full loses the message.
package bus

import (
	"errors"
	"strings"
)

// Common errors.
var (
	ErrClosed          = errors.New("bus closed")
	ErrInvalidTopic    = errors.New("invalid topic")
	ErrWildcardPublish = errors.New("wildcards not allowed in publish topic")
)

// Message represents a message received from the bus.
type Message struct {
	// Topic the message was published to.
	Topic string

	// Data is the message payload.
	Data []byte
}

// MessageBus provides topic-addressed publish/subscribe messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers whose pattern matches topic.
	Publish(topic string, data []byte) error

	// Subscribe creates a subscription to an exact topic or a wildcard pattern.
	Subscribe(pattern string) (Subscription, error)

	// Close shuts down the bus connection and ends all its subscriptions.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Pattern returns the topic pattern this subscription was created with.
	Pattern() string

	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidatePattern checks that a subscription pattern is well formed:
// non-empty, "+" and "#" only as whole levels, "#" only last.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidTopic
	}
	levels := strings.Split(pattern, "/")
	for i, lvl := range levels {
		if strings.ContainsAny(lvl, "+#") && len(lvl) != 1 {
			return ErrInvalidTopic
		}
		if lvl == "#" && i != len(levels)-1 {
			return ErrInvalidTopic
		}
	}
	return nil
}

// ValidateTopic checks that a publish topic is non-empty and wildcard free.
func ValidateTopic(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return ErrWildcardPublish
	}
	return nil
}

// MatchTopic reports whether topic matches pattern.
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}
	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")

	for i, lvl := range p {
		if lvl == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if lvl != "+" && lvl != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// IsWildcard reports whether pattern contains a wildcard level.
func IsWildcard(pattern string) bool {
	return strings.ContainsAny(pattern, "+#")
}
