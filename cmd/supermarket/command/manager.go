package command

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/supermarket/coordinator"
	"github.com/vinayprograms/supermarket/engine"
	"github.com/vinayprograms/supermarket/rpc"
	"github.com/vinayprograms/supermarket/shutdown"
)

// ManagerClientID is the rpc client id of the authority.
const ManagerClientID = "manager"

// Manager runs the assignment authority.
type Manager struct {
	App *App
}

// Command returns the manager subcommand.
func (m Manager) Command() *cobra.Command {
	var retain bool
	cmd := &cobra.Command{
		Use:   "manager",
		Short: "Run the assignment authority",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("retain-queues") {
				m.App.Config.Manager.RetainQueues = retain
			}
			coord := m.App.Shutdown(cmd.Context())
			if _, err := m.start(coord); err != nil {
				_ = coord.ShutdownWithTimeout(0)
				return err
			}
			<-coord.Done()
			return coord.Err()
		},
	}
	cmd.Flags().BoolVar(&retain, "retain-queues", false, "keep a checkout's queue when it registers again")
	return cmd
}

// start connects the authority and registers its shutdown handlers.
func (m Manager) start(coord *shutdown.Coordinator) (*coordinator.Service, error) {
	cfg := m.App.Config
	client, err := m.App.Connect(coord.Context(), ManagerClientID)
	if err != nil {
		return nil, err
	}
	m.App.DisconnectOnShutdown(coord, client)

	svc := newService(client, m.App)
	if err := svc.Start(coord.Context()); err != nil {
		return nil, err
	}
	coord.RegisterFunc("manager", shutdown.PhaseService, func(ctx context.Context) error {
		stats := svc.Stats()
		err := svc.Stop(ctx)
		m.App.Log.Info("manager_stopped", map[string]interface{}{
			"requests":      stats.Requests,
			"error_replies": stats.ErrorReplies,
			"broadcasts":    stats.Broadcasts,
		})
		return err
	})

	m.App.Log.Info("manager_started", map[string]interface{}{
		"namespace":     cfg.Namespace,
		"transport":     cfg.Transport.Kind,
		"retain_queues": cfg.Manager.RetainQueues,
	})
	return svc, nil
}

func newService(client *rpc.Client, app *App) *coordinator.Service {
	cfg := app.Config
	eng := engine.New(engine.WithQueueRetention(cfg.Manager.RetainQueues))
	return coordinator.New(client, eng, coordinator.Config{
		Namespace:         cfg.Namespace,
		BroadcastInterval: cfg.Manager.BroadcastInterval.Duration,
	}, app.Log)
}
