package command

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinayprograms/supermarket/config"
	"github.com/vinayprograms/supermarket/customer"
	"github.com/vinayprograms/supermarket/logging"
	"github.com/vinayprograms/supermarket/shutdown"
)

func newTestApp() *App {
	cfg := config.Default()
	cfg.Transport.Kind = config.TransportMemory
	cfg.RequestTimeout.Duration = time.Second
	cfg.Manager.BroadcastInterval.Duration = 50 * time.Millisecond
	cfg.Checkout.ServiceSeconds = 0.01
	cfg.Checkout.PollInterval.Duration = 10 * time.Millisecond
	cfg.Checkout.HeartbeatInterval.Duration = 50 * time.Millisecond
	cfg.Checkout.StatusInterval.Duration = 50 * time.Millisecond
	cfg.Generator.Rate = 50
	cfg.Generator.Seed = 1
	return &App{Config: cfg, Log: logging.Nop()}
}

func TestInitAppliesFlags(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	app := &App{}
	root := &cobra.Command{
		Use: "supermarket",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.Init(cmd)
		},
	}
	app.BindFlags(root)
	root.AddCommand(&cobra.Command{Use: "noop", RunE: func(*cobra.Command, []string) error { return nil }})
	root.SetArgs([]string{"--transport", "memory", "--namespace", "store-9/v0", "--log-level", "debug", "noop"})

	require.NoError(t, root.Execute())
	assert.Equal(t, config.TransportMemory, app.Config.Transport.Kind)
	assert.Equal(t, "store-9/v0", app.Config.Namespace)
	assert.Equal(t, "debug", app.Config.Log.Level)
	assert.NotNil(t, app.Log)
}

func TestInitRejectsBadFlags(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	app := &App{}
	root := &cobra.Command{
		Use:           "supermarket",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.Init(cmd)
		},
	}
	app.BindFlags(root)
	root.AddCommand(&cobra.Command{Use: "noop", RunE: func(*cobra.Command, []string) error { return nil }})
	root.SetArgs([]string{"--transport", "smoke-signals", "noop"})

	assert.Error(t, root.Execute())
}

func TestMemoryClientsShareOneBus(t *testing.T) {
	app := newTestApp()
	a, err := app.dial("a")
	require.NoError(t, err)
	b, err := app.dial("b")
	require.NoError(t, err)

	sub, err := b.Subscribe("x/y")
	require.NoError(t, err)
	require.NoError(t, a.Publish("x/y", []byte(`{}`)))

	select {
	case msg := <-sub.Messages():
		assert.Equal(t, "x/y", msg.Topic)
	case <-time.After(time.Second):
		t.Fatal("message did not cross clients")
	}
	require.NoError(t, app.memoryBus().Close())
}

func TestManagerAndCheckoutServeCustomer(t *testing.T) {
	app := newTestApp()
	ctx := context.Background()
	coord := shutdown.NewCoordinator(ctx, shutdown.DefaultConfig())
	app.CloseMemoryOnShutdown(coord)

	_, err := Manager{App: app}.start(coord)
	require.NoError(t, err)
	_, err = Checkout{App: app}.start(coord, "C1")
	require.NoError(t, err)

	clientID := customer.ClientID("Alice")
	client, err := app.Connect(ctx, clientID)
	require.NoError(t, err)
	app.DisconnectOnShutdown(coord, client)

	require.Eventually(t, func() bool {
		a, err := customer.Join(ctx, client, app.Config.Namespace, clientID, "Alice", 3, time.Second)
		return err == nil && a.CheckoutID == "C1"
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, coord.ShutdownWithTimeout(3*time.Second))
	assert.Empty(t, coord.Result().FailedHandlers())
}

func TestRunStopsOnCancel(t *testing.T) {
	app := newTestApp()
	app.Config.Checkout.Count = 2
	app.Config.Generator.MaxCustomers = 5

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- Run{App: app}.run(ctx, true) }()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after cancellation")
	}
}
