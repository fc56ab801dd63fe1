package heartbeat

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/supermarket/bus"
	"github.com/vinayprograms/supermarket/protocol"
	"github.com/vinayprograms/supermarket/topics"
)

// BusMonitor tracks checkouts from the heartbeats they send to the shared
// request topic and the telemetry they publish on their status topics. It
// also keeps the latest aggregate status broadcast.
type BusMonitor struct {
	bus           bus.MessageBus
	ns            string
	timeout       time.Duration
	checkInterval time.Duration
	now           func() time.Time

	mu         sync.RWMutex
	lastSeen   map[string]*Beat
	deadCBs    []func(string)
	reported   map[string]bool // checkouts already reported dead
	watcherChs []chan *Beat
	aggregate  *protocol.StatusResponse

	running atomic.Bool
	subs    []bus.Subscription
	stopCh  chan struct{}
	doneCh  chan struct{}
}

var _ Monitor = (*BusMonitor)(nil)

// NewBusMonitor creates a new monitor.
func NewBusMonitor(cfg MonitorConfig) (*BusMonitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	def := DefaultMonitorConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = def.CheckInterval
	}

	return &BusMonitor{
		bus:           cfg.Bus,
		ns:            cfg.Namespace,
		timeout:       cfg.Timeout,
		checkInterval: cfg.CheckInterval,
		now:           time.Now,
		lastSeen:      make(map[string]*Beat),
		reported:      make(map[string]bool),
	}, nil
}

// WatchAll starts monitoring and returns a channel of updates. Calling it
// again while running adds another watcher.
func (m *BusMonitor) WatchAll() (<-chan *Beat, error) {
	ch := make(chan *Beat, 64)

	if m.running.Swap(true) {
		m.mu.Lock()
		m.watcherChs = append(m.watcherChs, ch)
		m.mu.Unlock()
		return ch, nil
	}

	patterns := []string{
		topics.CheckoutRequests(m.ns),
		topics.CheckoutStatusAll(m.ns),
		topics.StatusUpdates(m.ns),
	}
	var subs []bus.Subscription
	for _, p := range patterns {
		sub, err := m.bus.Subscribe(p)
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			m.running.Store(false)
			return nil, err
		}
		subs = append(subs, sub)
	}

	m.mu.Lock()
	m.subs = subs
	m.watcherChs = append(m.watcherChs, ch)
	m.mu.Unlock()

	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})

	merged := make(chan *bus.Message, 64)
	var fwd sync.WaitGroup
	for _, sub := range subs {
		fwd.Add(1)
		go func(sub bus.Subscription) {
			defer fwd.Done()
			for msg := range sub.Messages() {
				select {
				case merged <- msg:
				case <-m.stopCh:
					return
				}
			}
		}(sub)
	}

	go m.run(merged, &fwd)
	return ch, nil
}

// run processes incoming messages and checks for dead checkouts.
func (m *BusMonitor) run(merged <-chan *bus.Message, fwd *sync.WaitGroup) {
	defer close(m.doneCh)
	defer fwd.Wait()

	checkTicker := time.NewTicker(m.checkInterval)
	defer checkTicker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case msg := <-merged:
			m.processMessage(msg)
		case <-checkTicker.C:
			m.checkDead()
		}
	}
}

// processMessage records heartbeats, telemetry and aggregate snapshots.
// Everything else on the request topic is ignored.
func (m *BusMonitor) processMessage(msg *bus.Message) {
	decoded, err := protocol.Decode(msg.Data)
	if err != nil {
		return
	}

	var beat *Beat
	switch v := decoded.(type) {
	case protocol.Heartbeat:
		beat = &Beat{CheckoutID: v.CheckoutID}
	case protocol.CheckoutStatus:
		status := v
		beat = &Beat{CheckoutID: v.CheckoutID, Status: &status}
	case protocol.StatusResponse:
		m.mu.Lock()
		m.aggregate = &v
		m.mu.Unlock()
		return
	default:
		return
	}
	beat.Seen = m.now()

	m.mu.Lock()
	if prev, ok := m.lastSeen[beat.CheckoutID]; ok && beat.Status == nil {
		beat.Status = prev.Status
	}
	m.lastSeen[beat.CheckoutID] = beat
	delete(m.reported, beat.CheckoutID) // alive again
	watchers := make([]chan *Beat, len(m.watcherChs))
	copy(watchers, m.watcherChs)
	m.mu.Unlock()

	for _, ch := range watchers {
		select {
		case ch <- beat:
		default:
			// Buffer full, drop
		}
	}
}

// checkDead reports checkouts not heard from within the timeout, once per
// silence.
func (m *BusMonitor) checkDead() {
	now := m.now()
	var dead []string

	m.mu.Lock()
	for id, beat := range m.lastSeen {
		if now.Sub(beat.Seen) > m.timeout && !m.reported[id] {
			m.reported[id] = true
			dead = append(dead, id)
		}
	}
	callbacks := make([]func(string), len(m.deadCBs))
	copy(callbacks, m.deadCBs)
	m.mu.Unlock()

	sort.Strings(dead)
	for _, id := range dead {
		for _, cb := range callbacks {
			cb(id)
		}
	}
}

// IsAlive checks if a checkout was heard from within timeout.
func (m *BusMonitor) IsAlive(checkoutID string, timeout time.Duration) bool {
	m.mu.RLock()
	beat, ok := m.lastSeen[checkoutID]
	m.mu.RUnlock()

	if !ok {
		return false
	}
	return m.now().Sub(beat.Seen) <= timeout
}

// Last returns the latest information about a checkout.
func (m *BusMonitor) Last(checkoutID string) *Beat {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastSeen[checkoutID]
}

// Checkouts returns the ids heard from so far, sorted.
func (m *BusMonitor) Checkouts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.lastSeen))
	for id := range m.lastSeen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Aggregate returns the latest status broadcast from the authority.
func (m *BusMonitor) Aggregate() (protocol.StatusResponse, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.aggregate == nil {
		return protocol.StatusResponse{}, false
	}
	return *m.aggregate, true
}

// OnDead registers a callback for when a checkout is presumed dead.
func (m *BusMonitor) OnDead(callback func(checkoutID string)) {
	m.mu.Lock()
	m.deadCBs = append(m.deadCBs, callback)
	m.mu.Unlock()
}

// Stop stops monitoring and closes watcher channels.
func (m *BusMonitor) Stop() error {
	if !m.running.Swap(false) {
		return ErrNotStarted
	}

	close(m.stopCh)

	m.mu.Lock()
	subs := m.subs
	m.subs = nil
	m.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}

	<-m.doneCh

	m.mu.Lock()
	for _, ch := range m.watcherChs {
		close(ch)
	}
	m.watcherChs = nil
	m.mu.Unlock()

	return nil
}
