// Package checkout implements the checkout agent: a client that registers
// with the authority, keeps itself alive with heartbeats, publishes its own
// telemetry and serves the customers queued for it.
package checkout

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/heartbeat"
	"github.com/vinayprograms/supermarket/logging"
	"github.com/vinayprograms/supermarket/protocol"
	"github.com/vinayprograms/supermarket/rpc"
	"github.com/vinayprograms/supermarket/sim"
	"github.com/vinayprograms/supermarket/topics"
)

// Client is the part of rpc.Client the agent uses.
type Client interface {
	heartbeat.Publisher
	Subscribe(pattern string) error
	Request(ctx context.Context, requestTopic, responseTopic string, msg interface{}, timeout time.Duration) (*rpc.Message, error)
}

var _ Client = (*rpc.Client)(nil)

// Config configures an Agent.
type Config struct {
	// ID is the checkout id. It must be a valid topic level.
	ID string

	// Namespace prefixes every topic.
	// Default: topics.DefaultNamespace
	Namespace string

	// Params are the timing parameters announced at registration and used
	// to serve customers.
	Params sim.ServiceParams

	// HeartbeatInterval between liveness signals.
	// Default: 5 seconds
	HeartbeatInterval time.Duration

	// StatusInterval between telemetry messages.
	// Default: 2 seconds
	StatusInterval time.Duration

	// PollInterval is the pause after finding the queue empty.
	// Default: 500ms
	PollInterval time.Duration

	// RequestTimeout bounds every request to the authority.
	// Default: 5 seconds
	RequestTimeout time.Duration
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Namespace:         topics.DefaultNamespace,
		Params:            sim.DefaultServiceParams(),
		HeartbeatInterval: 5 * time.Second,
		StatusInterval:    2 * time.Second,
		PollInterval:      500 * time.Millisecond,
		RequestTimeout:    rpc.DefaultTimeout,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if !topics.ValidID(c.ID) {
		return errors.InvalidArgument(fmt.Sprintf("checkout id %q must be non-empty and free of '/', '+' and '#'", c.ID))
	}
	return c.Params.Validate()
}

// Agent is one checkout.
type Agent struct {
	cfg    Config
	client Client
	log    *logging.Logger

	served atomic.Int64

	// sleep waits for d or until ctx ends. Replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an agent. Zero durations in cfg take their defaults.
func New(client Client, cfg Config, log *logging.Logger) (*Agent, error) {
	def := DefaultConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = def.StatusInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Nop()
	}
	return &Agent{
		cfg:    cfg,
		client: client,
		log:    log.WithComponent("checkout." + cfg.ID),
		sleep:  sleepCtx,
	}, nil
}

// ID returns the checkout id.
func (a *Agent) ID() string {
	return a.cfg.ID
}

// Served returns how many customers this agent has served.
func (a *Agent) Served() int {
	return int(a.served.Load())
}

// Status builds the telemetry message for the current state.
func (a *Agent) Status() protocol.CheckoutStatus {
	return protocol.CheckoutStatus{
		CheckoutID:    a.cfg.ID,
		ServiceParams: a.cfg.Params,
		ServedCount:   a.Served(),
		TS:            protocol.UnixSeconds(time.Now()),
	}
}

// Register announces the checkout to the authority.
func (a *Agent) Register(ctx context.Context) error {
	reply, err := a.call(ctx, protocol.RegisterCheckout{
		CheckoutID:    a.cfg.ID,
		ServiceParams: a.cfg.Params,
	})
	if err != nil {
		return err
	}
	if _, ok := reply.(protocol.CheckoutRegistered); !ok {
		return errors.Internal(fmt.Sprintf("unexpected registration reply %q", reply.MessageType()))
	}
	a.log.Info("registered", map[string]interface{}{
		"service_seconds":  a.cfg.Params.ServiceSeconds,
		"base_seconds":     a.cfg.Params.BaseSeconds,
		"per_item_seconds": a.cfg.Params.PerItemSeconds,
	})
	return nil
}

// Next asks for the front of this checkout's queue. The customer is nil
// when the queue is empty.
func (a *Agent) Next(ctx context.Context) (*protocol.Customer, error) {
	reply, err := a.call(ctx, protocol.CheckoutNext{CheckoutID: a.cfg.ID})
	if err != nil {
		return nil, err
	}
	next, ok := reply.(protocol.NextCustomer)
	if !ok {
		return nil, errors.Internal(fmt.Sprintf("unexpected reply %q", reply.MessageType()))
	}
	return next.Customer, nil
}

// Run registers, starts the heartbeat and telemetry senders, and serves
// customers until ctx ends. Timeouts are logged and retried. When the
// authority no longer knows the checkout, the agent registers again.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.client.Subscribe(a.replyTopic()); err != nil {
		return err
	}
	if err := a.registerWithRetry(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	senders, err := a.startSenders(ctx)
	if err != nil {
		return err
	}
	defer func() {
		for _, s := range senders {
			_ = s.Stop()
		}
	}()

	for ctx.Err() == nil {
		customer, err := a.Next(ctx)
		switch {
		case err == nil && customer == nil:
			_ = a.sleep(ctx, a.cfg.PollInterval)
		case err == nil:
			a.serve(ctx, *customer)
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, errors.ErrCodeUnknownCheckout):
			a.log.Warn("authority forgot checkout, registering again", nil)
			if err := a.registerWithRetry(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		case errors.IsTimeout(err):
			// The request already waited its full timeout.
			a.log.Warn("poll_timed_out", map[string]interface{}{"error": err})
		default:
			a.log.Error("poll_failed", map[string]interface{}{"error": err})
			_ = a.sleep(ctx, a.cfg.PollInterval)
		}
	}
	return nil
}

func (a *Agent) registerWithRetry(ctx context.Context) error {
	for {
		err := a.Register(ctx)
		if err == nil || !errors.IsRetryable(err) || ctx.Err() != nil {
			return err
		}
		a.log.Warn("register_failed", map[string]interface{}{"error": err})
		if err := a.sleep(ctx, a.cfg.PollInterval); err != nil {
			return err
		}
	}
}

func (a *Agent) startSenders(ctx context.Context) ([]*heartbeat.BusSender, error) {
	hbCfg := heartbeat.HeartbeatConfig(a.client, a.cfg.Namespace, a.cfg.ID)
	hbCfg.Interval = a.cfg.HeartbeatInterval
	hbCfg.Logger = a.log

	stCfg := heartbeat.StatusConfig(a.client, a.cfg.Namespace, a.cfg.ID, a.Status)
	stCfg.Interval = a.cfg.StatusInterval
	stCfg.Logger = a.log

	var started []*heartbeat.BusSender
	for _, cfg := range []heartbeat.SenderConfig{hbCfg, stCfg} {
		s, err := heartbeat.NewBusSender(cfg)
		if err == nil {
			err = s.Start(ctx)
		}
		if err != nil {
			for _, prev := range started {
				_ = prev.Stop()
			}
			return nil, err
		}
		started = append(started, s)
	}
	return started, nil
}

// serve holds the customer for their service time.
func (a *Agent) serve(ctx context.Context, c protocol.Customer) {
	d, err := a.cfg.Params.Duration(c.BasketSize)
	if err != nil {
		a.log.Warn("cannot compute service time", map[string]interface{}{
			"customer":    c.Name,
			"basket_size": c.BasketSize,
			"error":       err,
		})
		return
	}

	a.log.Info("serving", map[string]interface{}{
		"customer":    c.Name,
		"basket_size": c.BasketSize,
		"service":     d,
	})
	if err := a.sleep(ctx, d); err != nil {
		return
	}
	a.served.Add(1)
	a.log.Info("served", map[string]interface{}{"customer": c.Name})
}

func (a *Agent) call(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	raw, err := a.client.Request(ctx, topics.CheckoutRequests(a.cfg.Namespace), a.replyTopic(), msg, a.cfg.RequestTimeout)
	if err != nil {
		return nil, err
	}
	reply, err := protocol.Decode(raw.Payload)
	if err != nil {
		return nil, err
	}
	if e, ok := reply.(protocol.ErrorReply); ok {
		return nil, e.Err()
	}
	return reply, nil
}

func (a *Agent) replyTopic() string {
	return topics.CheckoutResponses(a.cfg.Namespace, a.cfg.ID)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
