package engine

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/supermarket/errors"
	"github.com/vinayprograms/supermarket/sim"
)

func newEngine(ids ...string) *Engine {
	e := New()
	for _, id := range ids {
		e.RegisterCheckout(id, sim.DefaultServiceParams())
	}
	return e
}

func TestAssignRoundRobinOnEqualLoad(t *testing.T) {
	// Registration order must not matter.
	e := newEngine("C3", "C1", "C2")

	var got []string
	for i := 0; i < 9; i++ {
		a, err := e.AssignCustomer(Customer{Name: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
		got = append(got, a.CheckoutID)
		// Keep loads equal by draining the queue right away.
		_, ok, err := e.NextCustomer(a.CheckoutID)
		require.NoError(t, err)
		require.True(t, ok)
	}

	assert.Equal(t, []string{"C1", "C2", "C3", "C1", "C2", "C3", "C1", "C2", "C3"}, got)
}

func TestAssignWithoutDequeueStaysBalanced(t *testing.T) {
	// Without draining, every queued customer adds one to the score, so
	// each block of three assignments covers all checkouts. The order
	// inside a block follows the global cursor over the shrinking
	// candidate set.
	e := newEngine("C1", "C2", "C3")

	var got []string
	for i := 0; i < 6; i++ {
		a, err := e.AssignCustomer(Customer{Name: "x"})
		require.NoError(t, err)
		got = append(got, a.CheckoutID)
	}
	assert.Equal(t, []string{"C1", "C3", "C2", "C1", "C2", "C3"}, got)
	assert.ElementsMatch(t, []string{"C1", "C2", "C3"}, got[:3])
	assert.ElementsMatch(t, []string{"C1", "C2", "C3"}, got[3:])
}

func TestAssignLowerWorkloadThenRoundRobin(t *testing.T) {
	e := newEngine("C1", "C2")

	a, err := e.AssignCustomer(Customer{Name: "Alice", BasketSize: 10})
	require.NoError(t, err)
	assert.Equal(t, "C1", a.CheckoutID)

	a, err = e.AssignCustomer(Customer{Name: "Bob", BasketSize: 1})
	require.NoError(t, err)
	assert.Equal(t, "C2", a.CheckoutID)
	assert.Equal(t, 1, a.Position)
}

func TestAssignPrefersLowerWorkload(t *testing.T) {
	e := newEngine("A", "B")

	// B gets a score of 5 (4 items + 1 customer).
	e.mu.Lock()
	e.checkouts["B"].queue = []Customer{{Name: "big", BasketSize: 4}}
	e.mu.Unlock()

	for i := 0; i < 5; i++ {
		// Move the cursor to every possible position.
		e.mu.Lock()
		e.cursor = uint64(i)
		e.mu.Unlock()

		a, err := e.AssignCustomer(Customer{Name: "small"})
		require.NoError(t, err)
		assert.Equal(t, "A", a.CheckoutID)

		_, _, err = e.NextCustomer("A")
		require.NoError(t, err)
	}
}

func TestAssignPosition(t *testing.T) {
	e := newEngine("C1")

	for i := 1; i <= 3; i++ {
		a, err := e.AssignCustomer(Customer{Name: "n", BasketSize: 2})
		require.NoError(t, err)
		assert.Equal(t, "C1", a.CheckoutID)
		assert.Equal(t, i, a.Position)
	}
}

func TestAssignCursorAdvancesOnEveryCall(t *testing.T) {
	e := newEngine("C1")
	for i := 0; i < 4; i++ {
		_, err := e.AssignCustomer(Customer{Name: "n"})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(4), e.cursor)
}

func TestAssignWithoutCheckouts(t *testing.T) {
	e := New()
	_, err := e.AssignCustomer(Customer{Name: "alone"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeNoCheckouts))
	assert.Equal(t, uint64(0), e.cursor)
}

func TestAssignClampsNegativeBasket(t *testing.T) {
	e := newEngine("C1")
	_, err := e.AssignCustomer(Customer{Name: "neg", BasketSize: -3})
	require.NoError(t, err)

	c, ok, err := e.NextCustomer("C1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0, c.BasketSize)
}

func TestNextCustomer(t *testing.T) {
	e := newEngine("C1")

	c, ok, err := e.NextCustomer("C1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Customer{}, c)

	_, _, err = e.NextCustomer("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrCodeUnknownCheckout))
}

func TestRoundTripPreservesCustomer(t *testing.T) {
	e := newEngine("C1")
	arrived := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	in := Customer{Name: "Ada", BasketSize: 17, ArrivedAt: arrived}

	a, err := e.AssignCustomer(in)
	require.NoError(t, err)

	out, ok, err := e.NextCustomer(a.CheckoutID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in, out)
}

func TestQueueIsFIFO(t *testing.T) {
	e := newEngine("C1")
	for i := 0; i < 5; i++ {
		_, err := e.AssignCustomer(Customer{Name: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
	}
	for i := 0; i < 5; i++ {
		c, ok, err := e.NextCustomer("C1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("c%d", i), c.Name)
	}
}

func TestReregistrationDropsQueue(t *testing.T) {
	e := newEngine("C1")
	for i := 0; i < 3; i++ {
		_, err := e.AssignCustomer(Customer{Name: "n"})
		require.NoError(t, err)
	}

	params := sim.ServiceParams{BaseSeconds: 1, PerItemSeconds: 0.2}
	dropped := e.RegisterCheckout("C1", params)
	assert.Equal(t, 3, dropped)

	snap := e.Snapshot()
	assert.Equal(t, 0, snap["C1"].QueueLength)
	assert.Equal(t, params, snap["C1"].Params)
}

func TestReregistrationWithRetention(t *testing.T) {
	e := New(WithQueueRetention(true))
	e.RegisterCheckout("C1", sim.DefaultServiceParams())
	for i := 0; i < 3; i++ {
		_, err := e.AssignCustomer(Customer{Name: fmt.Sprintf("c%d", i)})
		require.NoError(t, err)
	}

	dropped := e.RegisterCheckout("C1", sim.ServiceParams{ServiceSeconds: 1})
	assert.Equal(t, 0, dropped)

	c, ok, err := e.NextCustomer("C1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "c0", c.Name)
	assert.Equal(t, 1.0, e.Snapshot()["C1"].Params.ServiceSeconds)
}

func TestHeartbeatUpdatesLastSeen(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	e := New(WithClock(func() time.Time { return now }))
	e.RegisterCheckout("C1", sim.DefaultServiceParams())
	assert.Equal(t, now, e.Snapshot()["C1"].LastSeen)

	now = now.Add(5 * time.Second)
	e.NotifyHeartbeat("C1")
	assert.Equal(t, now, e.Snapshot()["C1"].LastSeen)

	// Unknown ids are a silent no-op.
	e.NotifyHeartbeat("ghost")
	_, ok := e.Snapshot()["ghost"]
	assert.False(t, ok)
}

func TestSnapshotIsACopy(t *testing.T) {
	e := newEngine("C2", "C1")
	_, err := e.AssignCustomer(Customer{Name: "a", BasketSize: 3})
	require.NoError(t, err)

	snap := e.Snapshot()
	assert.Equal(t, []string{"C1", "C2"}, snap.IDs())
	assert.Equal(t, 1, snap["C1"].QueueLength)
	assert.Equal(t, 4, snap["C1"].Workload)

	_, err = e.AssignCustomer(Customer{Name: "b"})
	require.NoError(t, err)
	assert.Equal(t, 0, snap["C2"].QueueLength)
	assert.Equal(t, 1, e.Snapshot()["C2"].QueueLength)
}

func TestConcurrentAssignAndServe(t *testing.T) {
	e := newEngine("C1", "C2", "C3", "C4")

	const (
		producers = 8
		perWorker = 250
	)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				_, err := e.AssignCustomer(Customer{Name: fmt.Sprintf("p%d-%d", p, i), BasketSize: i % 7})
				assert.NoError(t, err)
			}
		}(p)
	}

	served := make(chan string, producers*perWorker)
	var consumers sync.WaitGroup
	stop := make(chan struct{})
	for _, id := range []string{"C1", "C2", "C3", "C4"} {
		consumers.Add(1)
		go func(id string) {
			defer consumers.Done()
			for {
				c, ok, err := e.NextCustomer(id)
				assert.NoError(t, err)
				if ok {
					served <- c.Name
					continue
				}
				select {
				case <-stop:
					return
				default:
				}
			}
		}(id)
	}

	wg.Wait()
	// Let consumers drain what is left, then stop them.
	require.Eventually(t, func() bool { return e.Queued() == 0 }, 5*time.Second, time.Millisecond)
	close(stop)
	consumers.Wait()
	close(served)

	seen := make(map[string]bool)
	for name := range served {
		assert.False(t, seen[name], "customer %s served twice", name)
		seen[name] = true
	}
	assert.Len(t, seen, producers*perWorker)
}
