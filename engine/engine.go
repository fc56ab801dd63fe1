// Package engine is the authoritative queue-assignment scheduler.
//
// An Engine owns the per-checkout FIFO queues, their liveness timestamps
// and the round-robin cursor used to break ties between equally loaded
// checkouts. Every operation holds one mutex for its full duration and
// performs no I/O, so the engine can be driven from any number of
// goroutines and tested without a message bus.
package engine

import (
	"sort"
	"sync"
	"time"

	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/sim"
)

// Customer is one arrival waiting in a checkout queue.
type Customer struct {
	Name       string
	BasketSize int
	ArrivedAt  time.Time
}

// Assignment is the result of placing a customer.
type Assignment struct {
	CheckoutID string
	// Position is the 1-indexed place of the customer in the queue right
	// after insertion.
	Position int
}

// CheckoutStatus is the observable state of one checkout.
type CheckoutStatus struct {
	Params      sim.ServiceParams
	QueueLength int
	Workload    int
	LastSeen    time.Time
}

// Snapshot is a point-in-time copy of every checkout's status.
type Snapshot map[string]CheckoutStatus

// IDs returns the checkout ids in lexicographic order.
func (s Snapshot) IDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

type checkoutState struct {
	id       string
	params   sim.ServiceParams
	queue    []Customer
	lastSeen time.Time
}

// workload approximates the time until the checkout clears its queue:
// one unit per queued item plus one per customer for the fixed overhead.
func (st *checkoutState) workload() int {
	w := len(st.queue)
	for _, c := range st.queue {
		w += c.BasketSize
	}
	return w
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source used for liveness timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithQueueRetention keeps a checkout's queued customers when it registers
// again. By default re-registration starts from an empty queue.
func WithQueueRetention(retain bool) Option {
	return func(e *Engine) {
		e.retainQueue = retain
	}
}

// Engine is the queue-assignment authority.
type Engine struct {
	mu        sync.Mutex
	checkouts map[string]*checkoutState
	cursor    uint64

	retainQueue bool
	now         func() time.Time
}

// New creates an empty Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		checkouts: make(map[string]*checkoutState),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterCheckout creates or replaces the state of a checkout and marks it
// as seen. It returns how many queued customers were discarded by the
// replacement; with queue retention enabled this is always zero.
func (e *Engine) RegisterCheckout(checkoutID string, params sim.ServiceParams) (dropped int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := &checkoutState{
		id:       checkoutID,
		params:   params,
		lastSeen: e.now(),
	}
	if prev, ok := e.checkouts[checkoutID]; ok {
		if e.retainQueue {
			st.queue = prev.queue
		} else {
			dropped = len(prev.queue)
		}
	}
	e.checkouts[checkoutID] = st
	return dropped
}

// NotifyHeartbeat refreshes the liveness timestamp of a known checkout.
// Heartbeats for unknown checkouts are ignored.
func (e *Engine) NotifyHeartbeat(checkoutID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.checkouts[checkoutID]; ok {
		st.lastSeen = e.now()
	}
}

// AssignCustomer appends the customer to the least loaded checkout.
//
// Checkouts sharing the minimum workload are ordered by id and the one at
// cursor mod n is chosen. The cursor advances on every assignment, so
// equally loaded checkouts are served in strict rotation.
func (e *Engine) AssignCustomer(c Customer) (Assignment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.checkouts) == 0 {
		return Assignment{}, errors.NoCheckoutsAvailable()
	}
	if c.BasketSize < 0 {
		c.BasketSize = 0
	}

	var candidates []*checkoutState
	best := -1
	for _, st := range e.checkouts {
		w := st.workload()
		switch {
		case best < 0 || w < best:
			best = w
			candidates = append(candidates[:0], st)
		case w == best:
			candidates = append(candidates, st)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].id < candidates[j].id
	})

	chosen := candidates[e.cursor%uint64(len(candidates))]
	e.cursor++

	chosen.queue = append(chosen.queue, c)
	return Assignment{CheckoutID: chosen.id, Position: len(chosen.queue)}, nil
}

// NextCustomer pops the front of a checkout's queue. The boolean is false
// when the queue is empty. Unregistered ids fail with unknown_checkout.
func (e *Engine) NextCustomer(checkoutID string) (Customer, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.checkouts[checkoutID]
	if !ok {
		return Customer{}, false, errors.UnknownCheckout(checkoutID)
	}
	if len(st.queue) == 0 {
		return Customer{}, false, nil
	}
	c := st.queue[0]
	st.queue[0] = Customer{}
	st.queue = st.queue[1:]
	return c, true, nil
}

// Snapshot returns a copy of every checkout's status.
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	snap := make(Snapshot, len(e.checkouts))
	for id, st := range e.checkouts {
		snap[id] = CheckoutStatus{
			Params:      st.params,
			QueueLength: len(st.queue),
			Workload:    st.workload(),
			LastSeen:    st.lastSeen,
		}
	}
	return snap
}

// Len returns the number of registered checkouts.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.checkouts)
}

// Queued returns the total number of customers waiting across all queues.
func (e *Engine) Queued() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for _, st := range e.checkouts {
		n += len(st.queue)
	}
	return n
}
