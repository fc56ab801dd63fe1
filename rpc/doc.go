// Package rpc layers correlated request/response calls and handler dispatch
// on top of a bus.MessageBus.
//
// # Requests
//
// Request adds two fields to the outgoing JSON object: corr_id, a fresh
// UUID, and reply_to, the topic the responder must answer on. The caller
// blocks until a message carrying the same corr_id arrives or the timeout
// elapses:
//
//	reply, err := client.Request(ctx,
//	    topics.ManagerRequests(ns),
//	    topics.ManagerResponses(ns, client.ClientID()),
//	    protocol.JoinQueue{Name: "Ada", BasketSize: 12},
//	    rpc.DefaultTimeout)
//	if errors.IsTimeout(err) {
//	    // The responder may still act on the request.
//	}
//
// If the client is not already subscribed to the response topic, Request
// subscribes for the duration of the call.
//
// # Delivery
//
// Each subscription forwards into one inbound channel. A single goroutine
// drains it: payloads that are not JSON objects are dropped, replies to
// pending requests go only to their caller, and everything else goes to
// every handler in registration order. A panicking handler is logged and
// skipped.
//
// # Responding
//
// Responders use Reply to publish to the request's reply_to topic with its
// corr_id echoed.
package rpc
