package customer

import (
	"context"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/logging"
	"github.com/vinayprograms/supermarket/protocol"
	"github.com/vinayprograms/supermarket/rpc"
	"github.com/vinayprograms/supermarket/sim"
	"github.com/vinayprograms/supermarket/topics"
)

// GeneratorConfig configures a Generator.
type GeneratorConfig struct {
	// Namespace prefixes every topic.
	// Default: topics.DefaultNamespace
	Namespace string

	// Rate is the arrival rate in customers per second. Required.
	Rate float64

	// NamePrefix is prepended to the arrival number.
	// Default: "Cust"
	NamePrefix string

	// MaxCustomers stops the generator after this many arrivals.
	// Zero means unlimited.
	MaxCustomers int

	// Seed makes arrivals and baskets reproducible when non-zero.
	Seed int64

	// MeanBasketSize is the average number of items per customer.
	// Default: 20
	MeanBasketSize float64

	// RequestTimeout bounds each join request.
	// Default: 5 seconds
	RequestTimeout time.Duration
}

// DefaultGeneratorConfig returns configuration with sensible defaults.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		Namespace:      topics.DefaultNamespace,
		Rate:           1,
		NamePrefix:     "Cust",
		MeanBasketSize: 20,
		RequestTimeout: rpc.DefaultTimeout,
	}
}

// Validate checks the configuration.
func (c *GeneratorConfig) Validate() error {
	if c.Rate <= 0 {
		return errors.InvalidArgument("rate must be > 0")
	}
	if c.MaxCustomers < 0 {
		return errors.InvalidArgument("max customers must be >= 0")
	}
	if c.MeanBasketSize < 0 {
		return errors.InvalidArgument("mean basket size must be >= 0")
	}
	return nil
}

// Arrival is the outcome of one generated customer.
type Arrival struct {
	Name       string
	BasketSize int
	Wait       time.Duration
	Assigned   protocol.Assigned
	Err        error
}

// Generator produces customers with exponential inter-arrival times.
type Generator struct {
	cfg      GeneratorConfig
	client   Requester
	clientID string
	rng      *rand.Rand
	log      *logging.Logger

	joined atomic.Int64
	failed atomic.Int64

	// OnArrival, when set, is called after every join attempt.
	OnArrival func(Arrival)

	sleep func(ctx context.Context, d time.Duration) error
}

// NewGenerator creates a generator that talks through client under the
// given client id.
func NewGenerator(client Requester, clientID string, cfg GeneratorConfig, log *logging.Logger) (*Generator, error) {
	def := DefaultGeneratorConfig()
	if cfg.Namespace == "" {
		cfg.Namespace = def.Namespace
	}
	if cfg.NamePrefix == "" {
		cfg.NamePrefix = def.NamePrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !topics.ValidID(clientID) {
		return nil, errors.InvalidArgument(fmt.Sprintf("client id %q is not a valid topic level", clientID))
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = logging.Nop()
	}

	return &Generator{
		cfg:      cfg,
		client:   client,
		clientID: clientID,
		rng:      rand.New(rand.NewSource(seed)),
		log:      log.WithComponent("generator"),
		sleep:    sleepCtx,
	}, nil
}

// Joined returns how many customers were assigned.
func (g *Generator) Joined() int {
	return int(g.joined.Load())
}

// Failed returns how many join attempts failed.
func (g *Generator) Failed() int {
	return int(g.failed.Load())
}

// Run generates customers until ctx ends or MaxCustomers is reached.
// Failed joins are logged and do not stop the stream.
func (g *Generator) Run(ctx context.Context) error {
	if err := g.client.Subscribe(topics.ManagerResponses(g.cfg.Namespace, g.clientID)); err != nil {
		return err
	}

	g.log.Info("generator_started", map[string]interface{}{
		"rate":             g.cfg.Rate,
		"mean_basket_size": g.cfg.MeanBasketSize,
		"max_customers":    g.cfg.MaxCustomers,
	})

	for i := 1; g.cfg.MaxCustomers == 0 || i <= g.cfg.MaxCustomers; i++ {
		wait, err := sim.Interarrival(g.rng, g.cfg.Rate)
		if err != nil {
			return err
		}
		if err := g.sleep(ctx, wait); err != nil {
			return nil
		}

		a := Arrival{
			Name:       fmt.Sprintf("%s%d", g.cfg.NamePrefix, i),
			BasketSize: sim.BasketSize(g.rng, g.cfg.MeanBasketSize),
			Wait:       wait,
		}
		a.Assigned, a.Err = Join(ctx, g.client, g.cfg.Namespace, g.clientID, a.Name, a.BasketSize, g.cfg.RequestTimeout)
		g.record(a)

		if ctx.Err() != nil {
			return nil
		}
	}

	g.log.Info("generator_finished", map[string]interface{}{
		"joined": g.Joined(),
		"failed": g.Failed(),
	})
	return nil
}

func (g *Generator) record(a Arrival) {
	if a.Err != nil {
		g.failed.Add(1)
		g.log.Warn("join_failed", map[string]interface{}{
			"customer": a.Name,
			"items":    a.BasketSize,
			"error":    a.Err,
		})
	} else {
		g.joined.Add(1)
		g.log.Info("joined", map[string]interface{}{
			"customer":    a.Name,
			"items":       a.BasketSize,
			"checkout_id": a.Assigned.CheckoutID,
			"position":    a.Assigned.Position,
			"wait":        a.Wait,
		})
	}
	if g.OnArrival != nil {
		g.OnArrival(a)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
