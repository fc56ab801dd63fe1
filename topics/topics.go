// Package topics maps each logical channel of the coordination protocol to
// its concrete topic under a namespace prefix.
//
// Layout under namespace ns (default "supermarket/v0"):
//
//	ns/manager/requests                 shared inbound customer requests
//	ns/manager/responses/{client_id}    private customer reply
//	ns/checkouts/requests               shared inbound checkout requests
//	ns/checkouts/responses/{checkout}   private checkout reply
//	ns/status/updates                   aggregate status broadcast
//	ns/checkouts/status/{checkout}      per-checkout status broadcast
//
// Ids must not contain "/", "+" or "#"; see ValidID.
package topics

import "strings"

// DefaultNamespace is the namespace used when none is configured.
const DefaultNamespace = "supermarket/v0"

// ManagerRequests is the shared topic customers send requests to.
func ManagerRequests(ns string) string {
	return ns + "/manager/requests"
}

// ManagerResponses is the private reply topic of one customer client.
func ManagerResponses(ns, clientID string) string {
	return ns + "/manager/responses/" + clientID
}

// CheckoutRequests is the shared topic checkouts send requests and heartbeats to.
func CheckoutRequests(ns string) string {
	return ns + "/checkouts/requests"
}

// CheckoutResponses is the private reply topic of one checkout.
func CheckoutResponses(ns, checkoutID string) string {
	return ns + "/checkouts/responses/" + checkoutID
}

// StatusUpdates is where the authority broadcasts aggregate snapshots.
func StatusUpdates(ns string) string {
	return ns + "/status/updates"
}

// CheckoutStatus is where one checkout publishes its own telemetry.
func CheckoutStatus(ns, checkoutID string) string {
	return ns + "/checkouts/status/" + checkoutID
}

// CheckoutStatusAll matches every per-checkout status topic.
func CheckoutStatusAll(ns string) string {
	return CheckoutStatus(ns, "+")
}

// ValidID reports whether id can be embedded in a topic without breaking
// the one-to-one mapping between (channel, id) pairs and topics.
func ValidID(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}
