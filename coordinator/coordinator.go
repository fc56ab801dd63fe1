// Package coordinator binds the assignment engine to the bus.
//
// A Service subscribes to the shared request topics, decodes each inbound
// message into a protocol variant, calls the engine and replies on the
// requester's reply_to topic. A background broadcaster publishes the
// engine snapshot on the status topic at a fixed interval.
package coordinator

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/supermarket/engine"
	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/logging"
	"github.com/vinayprograms/supermarket/protocol"
	"github.com/vinayprograms/supermarket/rpc"
	"github.com/vinayprograms/supermarket/topics"
)

// Transport is the part of rpc.Client the service uses.
type Transport interface {
	Subscribe(pattern string) error
	AddHandler(h rpc.Handler)
	Publish(topic string, msg interface{}) error
	Reply(replyTo, corrID string, msg interface{}) error
}

var _ Transport = (*rpc.Client)(nil)

// Config configures a Service.
type Config struct {
	// Namespace prefixes every topic.
	// Default: topics.DefaultNamespace
	Namespace string

	// BroadcastInterval between status snapshots.
	// Default: 2 seconds
	BroadcastInterval time.Duration

	// StopTimeout bounds how long Stop waits for the broadcaster.
	// Default: 1 second
	StopTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:         topics.DefaultNamespace,
		BroadcastInterval: 2 * time.Second,
		StopTimeout:       time.Second,
	}
}

// Stats counts what the service has done since it started.
type Stats struct {
	Requests     uint64
	ErrorReplies uint64
	Heartbeats   uint64
	Telemetry    uint64
	Broadcasts   uint64
	Ignored      uint64
}

// Service is the coordination authority.
type Service struct {
	cfg    Config
	client Transport
	engine *engine.Engine
	log    *logging.Logger
	now    func() time.Time

	started atomic.Bool
	stopped atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	requests     atomic.Uint64
	errorReplies atomic.Uint64
	heartbeats   atomic.Uint64
	telemetry    atomic.Uint64
	broadcasts   atomic.Uint64
	ignored      atomic.Uint64
}

// New creates a service. The engine is owned by the caller.
func New(client Transport, eng *engine.Engine, cfg Config, log *logging.Logger) *Service {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.BroadcastInterval <= 0 {
		cfg.BroadcastInterval = def.BroadcastInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Service{
		cfg:    cfg,
		client: client,
		engine: eng,
		log:    log.WithComponent("coordinator"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start subscribes to the request topics and the checkout telemetry
// wildcard, installs the dispatcher and starts the broadcaster. A Service
// can be started once.
func (s *Service) Start(ctx context.Context) error {
	if s.started.Swap(true) {
		return errors.New(errors.ErrCodeInternal, "coordinator already started")
	}

	ns := s.cfg.Namespace
	for _, pattern := range []string{
		topics.ManagerRequests(ns),
		topics.CheckoutRequests(ns),
		topics.CheckoutStatusAll(ns),
	} {
		if err := s.client.Subscribe(pattern); err != nil {
			close(s.doneCh)
			return errors.Wrapf(err, "coordinator: subscribe %s", pattern)
		}
	}
	s.client.AddHandler(s.handle)

	go s.broadcast(ctx)

	s.log.Info("coordinator_started", map[string]interface{}{
		"namespace":          ns,
		"broadcast_interval": s.cfg.BroadcastInterval,
	})
	return nil
}

// Stop signals the broadcaster and waits for it to exit, bounded by ctx
// and the configured StopTimeout. The transport is left untouched so the
// caller can disconnect afterwards.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}
	if !s.stopped.Swap(true) {
		close(s.stopCh)
	}

	timer := time.NewTimer(s.cfg.StopTimeout)
	defer timer.Stop()

	select {
	case <-s.doneCh:
		s.log.Info("coordinator_stopped", nil)
		return nil
	case <-timer.C:
		return errors.Timeout("coordinator: broadcaster did not stop in time")
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "coordinator: stop interrupted")
	}
}

// Stats returns a copy of the counters.
func (s *Service) Stats() Stats {
	return Stats{
		Requests:     s.requests.Load(),
		ErrorReplies: s.errorReplies.Load(),
		Heartbeats:   s.heartbeats.Load(),
		Telemetry:    s.telemetry.Load(),
		Broadcasts:   s.broadcasts.Load(),
		Ignored:      s.ignored.Load(),
	}
}

// Engine returns the engine the service drives.
func (s *Service) Engine() *engine.Engine {
	return s.engine
}

func (s *Service) handle(msg *rpc.Message) {
	start := s.now()

	decoded, err := protocol.Decode(msg.Payload)
	if err != nil {
		if msg.ReplyTo == "" {
			s.ignored.Add(1)
			s.log.Debug("dropping undecodable message", map[string]interface{}{
				"topic": msg.Topic,
				"error": err,
			})
			return
		}
		s.requests.Add(1)
		s.replyError(msg, err)
		s.log.RequestHandled(msg.Type, msg.CorrID, s.now().Sub(start), err)
		return
	}

	switch m := decoded.(type) {
	case protocol.Heartbeat:
		s.heartbeats.Add(1)
		s.engine.NotifyHeartbeat(m.CheckoutID)
		return
	case protocol.CheckoutStatus:
		s.telemetry.Add(1)
		s.log.Debug("checkout_status", map[string]interface{}{
			"checkout_id":  m.CheckoutID,
			"served_count": m.ServedCount,
		})
		return
	case protocol.RegisterCheckout, protocol.CheckoutNext, protocol.JoinQueue:
		if msg.ReplyTo == "" {
			s.ignored.Add(1)
			return
		}
	default:
		s.ignored.Add(1)
		return
	}

	s.requests.Add(1)
	reply, err := s.dispatch(decoded)
	if err != nil {
		s.replyError(msg, err)
	} else if perr := s.client.Reply(msg.ReplyTo, msg.CorrID, reply); perr != nil {
		s.log.Warn("reply_failed", map[string]interface{}{
			"reply_to": msg.ReplyTo,
			"error":    perr,
		})
	}
	s.log.RequestHandled(msg.Type, msg.CorrID, s.now().Sub(start), err)
}

// dispatch runs one decoded request against the engine.
func (s *Service) dispatch(req protocol.Message) (protocol.Message, error) {
	switch m := req.(type) {
	case protocol.RegisterCheckout:
		dropped := s.engine.RegisterCheckout(m.CheckoutID, m.ServiceParams)
		s.log.CheckoutRegistered(m.CheckoutID, dropped)
		return protocol.CheckoutRegistered{CheckoutID: m.CheckoutID}, nil

	case protocol.CheckoutNext:
		c, ok, err := s.engine.NextCustomer(m.CheckoutID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return protocol.NextCustomer{}, nil
		}
		return protocol.NextCustomer{Customer: protocol.FromCustomer(c)}, nil

	case protocol.JoinQueue:
		a, err := s.engine.AssignCustomer(engine.Customer{
			Name:       m.Name,
			BasketSize: m.BasketSize,
			ArrivedAt:  s.now(),
		})
		if err != nil {
			return nil, err
		}
		s.log.CustomerAssigned(m.Name, a.CheckoutID, m.BasketSize, a.Position)
		return protocol.Assigned{
			Name:       m.Name,
			BasketSize: m.BasketSize,
			CheckoutID: a.CheckoutID,
			Position:   a.Position,
		}, nil
	}
	return nil, errors.Internal(fmt.Sprintf("no dispatcher for %s", req.MessageType()))
}

func (s *Service) replyError(msg *rpc.Message, err error) {
	s.errorReplies.Add(1)
	if perr := s.client.Reply(msg.ReplyTo, msg.CorrID, protocol.NewErrorReply(err)); perr != nil {
		s.log.Warn("reply_failed", map[string]interface{}{
			"reply_to": msg.ReplyTo,
			"error":    perr,
		})
	}
}

// broadcast publishes a snapshot immediately and then every interval
// until Stop is called or ctx ends.
func (s *Service) broadcast(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.BroadcastInterval)
	defer ticker.Stop()

	for {
		s.tick()
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// tick publishes one snapshot. Failures are logged and the next tick
// tries again.
func (s *Service) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("status_broadcast_panicked", map[string]interface{}{"panic": fmt.Sprint(r)})
		}
	}()

	status := protocol.NewStatusResponse(s.engine.Snapshot(), s.now())
	if err := s.client.Publish(topics.StatusUpdates(s.cfg.Namespace), status); err != nil {
		s.log.Warn("status_broadcast_failed", map[string]interface{}{"error": err})
		return
	}
	s.broadcasts.Add(1)
}
