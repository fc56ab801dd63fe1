package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vinayprograms/supermarket/logging"
)

// Coordinator runs registered handlers phase by phase.
//
// Context returns a context that is cancelled as soon as shutdown begins,
// so long-running loops started with it wind down while handlers run.
type Coordinator struct {
	config Config
	log    *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	handlers []registration
	once     sync.Once
	err      error
	done     chan struct{}
	result   *Result
	signals  chan os.Signal
}

// NewCoordinator creates a coordinator whose Context derives from parent.
func NewCoordinator(parent context.Context, config Config) *Coordinator {
	if config.Grace == 0 {
		config.Grace = DefaultConfig().Grace
	}
	log := config.Logger
	if log == nil {
		log = logging.Nop()
	}
	ctx, cancel := context.WithCancel(parent)

	return &Coordinator{
		config:  config,
		log:     log.WithComponent("shutdown"),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
		signals: make(chan os.Signal, 1),
	}
}

// Context is cancelled when shutdown starts.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Register adds a handler to phase.
func (c *Coordinator) Register(name string, phase int, handler Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers = append(c.handlers, registration{name: name, handler: handler, phase: phase})
}

// RegisterFunc registers fn as a handler in phase.
func (c *Coordinator) RegisterFunc(name string, phase int, fn func(ctx context.Context) error) {
	c.Register(name, phase, HandlerFunc(fn))
}

// Shutdown runs every handler once. Later calls wait for the first and
// return its error.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	first := false
	c.once.Do(func() {
		first = true
		c.cancel()
		c.err = c.run(ctx)
		close(c.done)
	})
	if !first {
		<-c.done
	}
	return c.err
}

// ShutdownWithTimeout runs Shutdown bounded by timeout, or the configured
// grace period when timeout is zero.
func (c *Coordinator) ShutdownWithTimeout(timeout time.Duration) error {
	if timeout == 0 {
		timeout = c.config.Grace
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return c.Shutdown(ctx)
}

// HandleSignals shuts down on SIGINT/SIGTERM or when the parent context ends.
func (c *Coordinator) HandleSignals() {
	signal.Notify(c.signals, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		defer signal.Stop(c.signals)
		select {
		case sig := <-c.signals:
			c.log.Info("signal received", map[string]interface{}{"signal": sig.String()})
		case <-c.ctx.Done():
		case <-c.done:
			return
		}
		_ = c.ShutdownWithTimeout(0)
	}()
}

// Trigger simulates a termination signal.
func (c *Coordinator) Trigger() {
	select {
	case c.signals <- syscall.SIGTERM:
	default:
	}
}

// Done is closed when shutdown completes.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err returns the shutdown error once Done is closed.
func (c *Coordinator) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Result returns the detailed result once Done is closed.
func (c *Coordinator) Result() *Result {
	select {
	case <-c.done:
		return c.result
	default:
		return nil
	}
}

func (c *Coordinator) run(ctx context.Context) error {
	start := time.Now()

	c.mu.Lock()
	handlers := make([]registration, len(c.handlers))
	copy(handlers, c.handlers)
	c.mu.Unlock()

	sort.SliceStable(handlers, func(i, j int) bool {
		return handlers[i].phase < handlers[j].phase
	})

	result := &Result{Results: make([]HandlerResult, 0, len(handlers))}
	finish := func(err error) error {
		result.Err = err
		result.TotalDuration = time.Since(start)
		c.result = result
		return err
	}

	var overall error
	for _, group := range groupByPhase(handlers) {
		if ctx.Err() != nil {
			c.log.Warn("shutdown deadline reached", map[string]interface{}{
				"phase": PhaseName(group[0].phase),
			})
			return finish(ErrTimeout)
		}

		results := c.runPhase(ctx, group)
		result.Results = append(result.Results, results...)

		for _, hr := range results {
			if hr.Err == nil {
				continue
			}
			overall = ErrHandlerFailed
			if !c.config.ContinueOnError {
				return finish(overall)
			}
		}
	}
	return finish(overall)
}

// runPhase runs a phase's handlers concurrently and collects every result.
func (c *Coordinator) runPhase(ctx context.Context, group []registration) []HandlerResult {
	results := make([]HandlerResult, len(group))
	var g errgroup.Group

	for i, reg := range group {
		i, reg := i, reg
		g.Go(func() error {
			began := time.Now()
			err := reg.handler.OnShutdown(ctx)
			hr := HandlerResult{
				Name:     reg.name,
				Phase:    reg.phase,
				Duration: time.Since(began),
				Err:      err,
			}
			results[i] = hr

			fields := map[string]interface{}{
				"handler":  hr.Name,
				"phase":    PhaseName(hr.Phase),
				"duration": hr.Duration.String(),
			}
			if err != nil {
				fields["error"] = err.Error()
				c.log.Warn("shutdown handler failed", fields)
			} else {
				c.log.Debug("shutdown handler done", fields)
			}
			return nil
		})
	}

	_ = g.Wait()
	return results
}

// groupByPhase splits handlers, already sorted by phase, into runs of equal phase.
func groupByPhase(handlers []registration) [][]registration {
	if len(handlers) == 0 {
		return nil
	}

	var groups [][]registration
	var current []registration
	phase := handlers[0].phase

	for _, h := range handlers {
		if h.phase != phase {
			groups = append(groups, current)
			current = nil
			phase = h.phase
		}
		current = append(current, h)
	}
	return append(groups, current)
}
