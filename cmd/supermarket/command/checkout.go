package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/supermarket/checkout"
	"github.com/vinayprograms/supermarket/config"
	"github.com/vinayprograms/supermarket/shutdown"
)

// Checkout runs one checkout agent.
type Checkout struct {
	App *App
}

// Command returns the checkout subcommand.
func (c Checkout) Command() *cobra.Command {
	var service, base, perItem float64
	cmd := &cobra.Command{
		Use:   "checkout <id>",
		Short: "Run a checkout that registers, polls and serves customers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cc := &c.App.Config.Checkout
			flags := cmd.Flags()
			if flags.Changed("service") {
				cc.ServiceSeconds = service
			}
			if flags.Changed("base") {
				cc.BaseSeconds = base
			}
			if flags.Changed("per-item") {
				cc.PerItemSeconds = perItem
			}

			coord := c.App.Shutdown(cmd.Context())
			done, err := c.start(coord, args[0])
			if err != nil {
				_ = coord.ShutdownWithTimeout(0)
				return err
			}
			select {
			case err = <-done:
				_ = coord.ShutdownWithTimeout(0)
			case <-coord.Done():
			}
			if err != nil {
				return err
			}
			return coord.Err()
		},
	}
	flags := cmd.Flags()
	flags.Float64Var(&service, "service", 0, "fixed mean service time in seconds")
	flags.Float64Var(&base, "base", 0, "per-customer overhead in seconds")
	flags.Float64Var(&perItem, "per-item", 0, "seconds per basket item")
	return cmd
}

// start connects and runs a checkout in the background. The returned
// channel yields Run's result.
func (c Checkout) start(coord *shutdown.Coordinator, id string) (<-chan error, error) {
	cfg := c.App.Config
	client, err := c.App.Connect(coord.Context(), "checkout-"+id)
	if err != nil {
		return nil, err
	}
	c.App.DisconnectOnShutdown(coord, client)

	agent, err := checkout.New(client, agentConfig(cfg, id), c.App.Log)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- agent.Run(coord.Context())
	}()

	coord.RegisterFunc("checkout."+id, shutdown.PhaseService, func(ctx context.Context) error {
		select {
		case <-finished:
			c.App.Log.Info("checkout_stopped", map[string]interface{}{
				"checkout_id": id,
				"served":      agent.Served(),
			})
			return nil
		case <-ctx.Done():
			return fmt.Errorf("checkout %s: %w", id, ctx.Err())
		}
	})
	return done, nil
}

func agentConfig(cfg *config.Config, id string) checkout.Config {
	return checkout.Config{
		ID:                id,
		Namespace:         cfg.Namespace,
		Params:            cfg.Checkout.Params(),
		HeartbeatInterval: cfg.Checkout.HeartbeatInterval.Duration,
		StatusInterval:    cfg.Checkout.StatusInterval.Duration,
		PollInterval:      cfg.Checkout.PollInterval.Duration,
		RequestTimeout:    cfg.RequestTimeout.Duration,
	}
}
