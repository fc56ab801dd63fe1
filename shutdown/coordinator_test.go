package shutdown

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestCoordinator(cfg Config) *Coordinator {
	return NewCoordinator(context.Background(), cfg)
}

func TestShutdownSingleHandler(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())

	called := false
	coord.RegisterFunc("manager", PhaseService, func(ctx context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(5 * time.Second); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if !called {
		t.Fatal("expected handler to be called")
	}

	select {
	case <-coord.Done():
	default:
		t.Fatal("expected Done channel to be closed")
	}

	result := coord.Result()
	if result == nil {
		t.Fatal("expected Result to be non-nil")
	}
	if len(result.Results) != 1 || result.Results[0].Name != "manager" {
		t.Fatalf("unexpected results: %+v", result.Results)
	}
	if result.Failed() {
		t.Fatal("expected result.Failed() to be false")
	}
}

func TestServiceStopsBeforeTransport(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())

	var mu sync.Mutex
	var order []string
	record := func(name string) func(context.Context) error {
		return func(context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered out of order on purpose.
	coord.RegisterFunc("rpc", PhaseTransport, record("rpc"))
	coord.RegisterFunc("manager", PhaseService, record("manager"))

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 2 || order[0] != "manager" || order[1] != "rpc" {
		t.Fatalf("expected [manager rpc], got %v", order)
	}
}

func TestHandlersInPhaseRunConcurrently(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())

	var running, peak int32
	for _, name := range []string{"C1", "C2", "C3"} {
		coord.RegisterFunc(name, PhaseService, func(ctx context.Context) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		})
	}

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt32(&peak) < 2 {
		t.Fatalf("expected concurrent handlers, peak was %d", peak)
	}
}

func TestContextCancelledOnShutdown(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())
	ctx := coord.Context()

	coord.RegisterFunc("loop", PhaseService, func(context.Context) error {
		select {
		case <-ctx.Done():
			return nil
		default:
			return errors.New("context still live during shutdown")
		}
	})

	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTimeoutSkipsLaterPhases(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())

	coord.RegisterFunc("slow", PhaseService, func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	var transportCalled atomic.Bool
	coord.RegisterFunc("rpc", PhaseTransport, func(context.Context) error {
		transportCalled.Store(true)
		return nil
	})

	err := coord.ShutdownWithTimeout(50 * time.Millisecond)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if transportCalled.Load() {
		t.Fatal("transport phase should not run after the deadline")
	}
}

func TestHandlerErrorContinues(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())

	coord.RegisterFunc("C1", PhaseService, func(context.Context) error {
		return errors.New("stuck")
	})
	called := false
	coord.RegisterFunc("rpc", PhaseTransport, func(context.Context) error {
		called = true
		return nil
	})

	err := coord.ShutdownWithTimeout(time.Second)
	if !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if !called {
		t.Fatal("expected later phase to run")
	}
	failed := coord.Result().FailedHandlers()
	if len(failed) != 1 || failed[0] != "C1" {
		t.Fatalf("expected [C1], got %v", failed)
	}
}

func TestHandlerErrorStops(t *testing.T) {
	coord := newTestCoordinator(Config{ContinueOnError: false})

	coord.RegisterFunc("C1", PhaseService, func(context.Context) error {
		return errors.New("stuck")
	})
	called := false
	coord.RegisterFunc("rpc", PhaseTransport, func(context.Context) error {
		called = true
		return nil
	})

	if err := coord.ShutdownWithTimeout(time.Second); !errors.Is(err, ErrHandlerFailed) {
		t.Fatalf("expected ErrHandlerFailed, got %v", err)
	}
	if called {
		t.Fatal("expected later phase to be skipped")
	}
}

func TestShutdownRunsOnce(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())

	var calls int32
	coord.RegisterFunc("manager", PhaseService, func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		return nil
	})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := coord.ShutdownWithTimeout(time.Second); err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected handler once, got %d", calls)
	}
}

func TestSignalTriggersShutdown(t *testing.T) {
	coord := newTestCoordinator(Config{Grace: time.Second, ContinueOnError: true})

	var called atomic.Bool
	coord.RegisterFunc("manager", PhaseService, func(context.Context) error {
		called.Store(true)
		return nil
	})

	coord.HandleSignals()
	coord.Trigger()

	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not complete after signal trigger")
	}
	if !called.Load() {
		t.Fatal("expected handler to be called")
	}
	if coord.Err() != nil {
		t.Fatalf("expected no error, got %v", coord.Err())
	}
}

func TestParentCancelTriggersShutdown(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	coord := NewCoordinator(parent, DefaultConfig())

	var called atomic.Bool
	coord.RegisterFunc("generator", PhaseService, func(context.Context) error {
		called.Store(true)
		return nil
	})
	coord.HandleSignals()
	cancel()

	select {
	case <-coord.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("shutdown did not follow parent cancellation")
	}
	if !called.Load() {
		t.Fatal("expected handler to be called")
	}
}

func TestResultBeforeDone(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())
	if coord.Result() != nil {
		t.Fatal("expected nil result before shutdown")
	}
	if coord.Err() != nil {
		t.Fatal("expected nil error before shutdown")
	}
}

func TestEmptyShutdown(t *testing.T) {
	coord := newTestCoordinator(DefaultConfig())
	if err := coord.ShutdownWithTimeout(time.Second); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n := len(coord.Result().Results); n != 0 {
		t.Fatalf("expected no results, got %d", n)
	}
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Grace != 10*time.Second || !cfg.ContinueOnError {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	bad := Config{Grace: -time.Second}
	if !errors.Is(bad.Validate(), ErrInvalidConfig) {
		t.Fatal("expected ErrInvalidConfig")
	}

	coord := newTestCoordinator(Config{})
	if coord.config.Grace != 10*time.Second {
		t.Fatalf("expected default grace, got %v", coord.config.Grace)
	}
}

func TestPhaseName(t *testing.T) {
	tests := map[int]string{
		PhaseService:   "service",
		PhaseTransport: "transport",
		99:             "custom",
	}
	for phase, want := range tests {
		if got := PhaseName(phase); got != want {
			t.Errorf("PhaseName(%d) = %q, want %q", phase, got, want)
		}
	}
}

func TestGroupByPhase(t *testing.T) {
	if groupByPhase(nil) != nil {
		t.Fatal("expected nil for no handlers")
	}
	groups := groupByPhase([]registration{
		{name: "a", phase: 10},
		{name: "b", phase: 10},
		{name: "c", phase: 20},
	})
	if len(groups) != 2 || len(groups[0]) != 2 || len(groups[1]) != 1 {
		t.Fatalf("unexpected grouping: %+v", groups)
	}
}
