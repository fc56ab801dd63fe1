// Package bus provides the publish/subscribe transports the coordination
// protocol runs on.
//
// # Available Implementations
//
//   - MQTTBus: an MQTT 3.1.1 broker connection (paho), QoS 0
//   - NATSBus: a NATS connection, with MQTT-style topics mapped onto subjects
//   - MemoryBus: in-process broker for tests and the single-process runner
//
// # Topics
//
// All implementations accept the same topic syntax:
//
//	supermarket/v0/checkouts/requests     exact topic
//	supermarket/v0/checkouts/status/+     one level wildcard
//	supermarket/v0/#                      everything below a prefix
//
// # Usage
//
//	sub, _ := b.Subscribe("supermarket/v0/status/updates")
//	for msg := range sub.Messages() {
//	    // Handle msg.Data
//	}
//
// Request/response is not part of this package: it is layered on top of plain
// publish/subscribe by package rpc, using correlation ids in the payload.
package bus
