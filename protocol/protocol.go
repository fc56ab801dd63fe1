// Package protocol defines the coordination messages exchanged over the bus.
//
// Every payload is a JSON object with a "type" discriminator. Decode turns a
// payload into one concrete variant and checks its required fields, so
// dispatch code can switch on the Go type without re-validating. Correlation
// fields (corr_id, reply_to) belong to the rpc layer and are not part of the
// variants.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/vinayprograms/supermarket/engine"
	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/sim"
	"github.com/vinayprograms/supermarket/topics"
)

// Type is the value of the "type" discriminator.
type Type string

// Message types.
const (
	TypeRegisterCheckout   Type = "register_checkout"
	TypeHeartbeat          Type = "heartbeat"
	TypeCheckoutNext       Type = "checkout_next"
	TypeJoinQueue          Type = "join_queue"
	TypeCheckoutRegistered Type = "checkout_registered"
	TypeNextCustomer       Type = "next_customer"
	TypeAssigned           Type = "assigned"
	TypeError              Type = "error"
	TypeStatusResponse     Type = "status_response"
	TypeCheckoutStatus     Type = "checkout_status"
)

// Message is implemented by every protocol variant.
type Message interface {
	MessageType() Type
}

// RegisterCheckout announces a checkout and its timing parameters.
type RegisterCheckout struct {
	CheckoutID string `json:"checkout_id"`
	sim.ServiceParams
}

// Heartbeat is a fire-and-forget liveness signal.
type Heartbeat struct {
	CheckoutID string `json:"checkout_id"`
}

// CheckoutNext asks for the front of a checkout's queue.
type CheckoutNext struct {
	CheckoutID string `json:"checkout_id"`
}

// JoinQueue asks the authority to place a customer.
type JoinQueue struct {
	Name       string `json:"name"`
	BasketSize int    `json:"basket_size"`
}

// CheckoutRegistered acknowledges RegisterCheckout.
type CheckoutRegistered struct {
	CheckoutID string `json:"checkout_id"`
}

// Customer is the wire form of a queued customer. TS is the arrival time
// in fractional Unix seconds.
type Customer struct {
	Name       string  `json:"name"`
	BasketSize int     `json:"basket_size"`
	TS         float64 `json:"ts"`
}

// NextCustomer answers CheckoutNext. Customer is nil when the queue is empty.
type NextCustomer struct {
	Customer *Customer `json:"customer"`
}

// Assigned answers JoinQueue.
type Assigned struct {
	Name       string `json:"name"`
	BasketSize int    `json:"basket_size"`
	CheckoutID string `json:"checkout_id"`
	Position   int    `json:"position"`
}

// ErrorReply is the error envelope.
type ErrorReply struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckoutEntry is one checkout in a status broadcast.
type CheckoutEntry struct {
	sim.ServiceParams
	QueueLen int     `json:"queue_len"`
	Workload int     `json:"workload"`
	LastSeen float64 `json:"last_seen"`
}

// StatusResponse is the aggregate snapshot broadcast by the authority.
type StatusResponse struct {
	Checkouts map[string]CheckoutEntry `json:"checkouts"`
	TS        float64                  `json:"ts"`
}

// CheckoutStatus is the telemetry a checkout publishes about itself.
type CheckoutStatus struct {
	CheckoutID string `json:"checkout_id"`
	sim.ServiceParams
	ServedCount int     `json:"served_count"`
	TS          float64 `json:"ts"`
}

// Unknown is returned by Decode for a type this package does not define.
type Unknown struct {
	Type Type
}

func (RegisterCheckout) MessageType() Type   { return TypeRegisterCheckout }
func (Heartbeat) MessageType() Type          { return TypeHeartbeat }
func (CheckoutNext) MessageType() Type       { return TypeCheckoutNext }
func (JoinQueue) MessageType() Type          { return TypeJoinQueue }
func (CheckoutRegistered) MessageType() Type { return TypeCheckoutRegistered }
func (NextCustomer) MessageType() Type       { return TypeNextCustomer }
func (Assigned) MessageType() Type           { return TypeAssigned }
func (ErrorReply) MessageType() Type         { return TypeError }
func (StatusResponse) MessageType() Type     { return TypeStatusResponse }
func (CheckoutStatus) MessageType() Type     { return TypeCheckoutStatus }
func (u Unknown) MessageType() Type          { return u.Type }

// The "type" field is written by MarshalJSON so a variant can never be sent
// without its discriminator.

func (m RegisterCheckout) MarshalJSON() ([]byte, error) {
	type plain RegisterCheckout
	return withType(m.MessageType(), plain(m))
}

func (m Heartbeat) MarshalJSON() ([]byte, error) {
	type plain Heartbeat
	return withType(m.MessageType(), plain(m))
}

func (m CheckoutNext) MarshalJSON() ([]byte, error) {
	type plain CheckoutNext
	return withType(m.MessageType(), plain(m))
}

func (m JoinQueue) MarshalJSON() ([]byte, error) {
	type plain JoinQueue
	return withType(m.MessageType(), plain(m))
}

func (m CheckoutRegistered) MarshalJSON() ([]byte, error) {
	type plain CheckoutRegistered
	return withType(m.MessageType(), plain(m))
}

func (m NextCustomer) MarshalJSON() ([]byte, error) {
	type plain NextCustomer
	return withType(m.MessageType(), plain(m))
}

func (m Assigned) MarshalJSON() ([]byte, error) {
	type plain Assigned
	return withType(m.MessageType(), plain(m))
}

func (m ErrorReply) MarshalJSON() ([]byte, error) {
	type plain ErrorReply
	return withType(m.MessageType(), plain(m))
}

func (m StatusResponse) MarshalJSON() ([]byte, error) {
	type plain StatusResponse
	return withType(m.MessageType(), plain(m))
}

func (m CheckoutStatus) MarshalJSON() ([]byte, error) {
	type plain CheckoutStatus
	return withType(m.MessageType(), plain(m))
}

func withType(t Type, v interface{}) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	head, err := json.Marshal(map[string]Type{"type": t})
	if err != nil {
		return nil, err
	}
	if bytes.Equal(body, []byte("{}")) {
		return head, nil
	}
	// Splice: {"type":"x"} + ,"field":... from the body object.
	out := make([]byte, 0, len(head)+len(body))
	out = append(out, head[:len(head)-1]...)
	out = append(out, ',')
	out = append(out, body[1:]...)
	return out, nil
}

// Err converts the envelope to a structured error.
func (m ErrorReply) Err() *errors.Error {
	return errors.New(errors.ErrorCode(m.Code), m.Message)
}

// NewErrorReply builds the envelope for err. Errors without a code are
// reported as internal.
func NewErrorReply(err error) ErrorReply {
	if se := errors.As(err); se != nil {
		return ErrorReply{Code: string(se.Code()), Message: se.Message()}
	}
	return ErrorReply{Code: string(errors.ErrCodeInternal), Message: err.Error()}
}

// FromCustomer converts an engine customer to its wire form.
func FromCustomer(c engine.Customer) *Customer {
	wc := &Customer{Name: c.Name, BasketSize: c.BasketSize}
	if !c.ArrivedAt.IsZero() {
		wc.TS = UnixSeconds(c.ArrivedAt)
	}
	return wc
}

// EngineCustomer converts the wire form back to an engine customer.
func (c Customer) EngineCustomer() engine.Customer {
	ec := engine.Customer{Name: c.Name, BasketSize: c.BasketSize}
	if c.TS > 0 {
		ec.ArrivedAt = FromUnixSeconds(c.TS)
	}
	return ec
}

// NewStatusResponse builds a broadcast from an engine snapshot.
func NewStatusResponse(snap engine.Snapshot, now time.Time) StatusResponse {
	resp := StatusResponse{
		Checkouts: make(map[string]CheckoutEntry, len(snap)),
		TS:        UnixSeconds(now),
	}
	for id, st := range snap {
		resp.Checkouts[id] = CheckoutEntry{
			ServiceParams: st.Params,
			QueueLen:      st.QueueLength,
			Workload:      st.Workload,
			LastSeen:      UnixSeconds(st.LastSeen),
		}
	}
	return resp
}

// FromUnixSeconds converts fractional Unix seconds to a time.
func FromUnixSeconds(s float64) time.Time {
	sec, frac := math.Modf(s)
	return time.Unix(int64(sec), int64(frac*float64(time.Second)))
}

// UnixSeconds converts a time to fractional Unix seconds.
func UnixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// Decode parses one payload into its variant.
//
// Payloads that are not JSON objects, lack a type, or miss a required
// field fail with a bad_request error. Types this package does not know
// decode to Unknown without error.
func Decode(data []byte) (Message, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil || raw == nil {
		return nil, errors.BadRequest("payload must be a JSON object")
	}

	var t Type
	if err := json.Unmarshal(raw["type"], &t); err != nil || t == "" {
		return nil, errors.BadRequest("type required")
	}

	switch t {
	case TypeRegisterCheckout:
		return decodeRegister(raw)
	case TypeHeartbeat:
		id, err := requiredID(raw)
		if err != nil {
			return nil, err
		}
		return Heartbeat{CheckoutID: id}, nil
	case TypeCheckoutNext:
		id, err := requiredID(raw)
		if err != nil {
			return nil, err
		}
		return CheckoutNext{CheckoutID: id}, nil
	case TypeJoinQueue:
		return decodeJoin(raw)
	case TypeCheckoutRegistered:
		var m CheckoutRegistered
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeNextCustomer:
		var m NextCustomer
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeAssigned:
		var m Assigned
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.CheckoutID == "" {
			return nil, errors.BadRequest("checkout_id required")
		}
		return m, nil
	case TypeError:
		var m ErrorReply
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.Code == "" {
			return nil, errors.BadRequest("code required")
		}
		return m, nil
	case TypeStatusResponse:
		var m StatusResponse
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		return m, nil
	case TypeCheckoutStatus:
		var m CheckoutStatus
		if err := decodeInto(data, &m); err != nil {
			return nil, err
		}
		if m.CheckoutID == "" {
			return nil, errors.BadRequest("checkout_id required")
		}
		return m, nil
	default:
		return Unknown{Type: t}, nil
	}
}

func decodeInto(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return errors.BadRequest(fmt.Sprintf("malformed payload: %v", err))
	}
	return nil
}

func stringField(raw map[string]json.RawMessage, key string) (string, error) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return "", nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", errors.BadRequest(key + " must be a string")
	}
	return s, nil
}

func numberField(raw map[string]json.RawMessage, key string) (*float64, error) {
	v, ok := raw[key]
	if !ok || string(v) == "null" {
		return nil, nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return nil, errors.BadRequest(key + " must be a number")
	}
	return &f, nil
}

func requiredID(raw map[string]json.RawMessage) (string, error) {
	id, err := stringField(raw, "checkout_id")
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", errors.BadRequest("checkout_id required")
	}
	if !topics.ValidID(id) {
		return "", errors.BadRequest("checkout_id must not contain '/', '+' or '#'")
	}
	return id, nil
}

func decodeRegister(raw map[string]json.RawMessage) (Message, error) {
	id, err := requiredID(raw)
	if err != nil {
		return nil, err
	}
	params := sim.DefaultServiceParams()
	fields := []struct {
		key string
		dst *float64
	}{
		{"service_seconds", &params.ServiceSeconds},
		{"base_seconds", &params.BaseSeconds},
		{"per_item_seconds", &params.PerItemSeconds},
	}
	for _, f := range fields {
		v, err := numberField(raw, f.key)
		if err != nil {
			return nil, err
		}
		if v != nil {
			*f.dst = *v
		}
	}
	if err := params.Validate(); err != nil {
		return nil, errors.BadRequest(err.Error())
	}
	return RegisterCheckout{CheckoutID: id, ServiceParams: params}, nil
}

const maxBasketSize = math.MaxInt32

func decodeJoin(raw map[string]json.RawMessage) (Message, error) {
	name, err := stringField(raw, "name")
	if err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.BadRequest("name required")
	}
	basket, err := numberField(raw, "basket_size")
	if err != nil {
		return nil, err
	}
	m := JoinQueue{Name: name}
	switch {
	case basket == nil || *basket <= 0:
		// Absent or negative baskets count as empty.
	case *basket > maxBasketSize:
		m.BasketSize = maxBasketSize
	default:
		m.BasketSize = int(*basket)
	}
	return m, nil
}
