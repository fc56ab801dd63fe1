package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/supermarket/config"
	"github.com/vinayprograms/supermarket/customer"
	"github.com/vinayprograms/supermarket/shutdown"
)

// Generator produces a stream of customers.
type Generator struct {
	App *App
}

// Command returns the generator subcommand.
func (g Generator) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generator",
		Short: "Generate customers with Poisson arrivals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			coord := g.App.Shutdown(cmd.Context())
			done, err := g.start(coord)
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
	bindGeneratorFlags(cmd, &g.App.Config)
	return cmd
}

// bindGeneratorFlags overrides generator settings once config is loaded.
func bindGeneratorFlags(cmd *cobra.Command, cfg **config.Config) {
	var (
		rate   float64
		maxN   int
		seed   int64
		prefix string
		mean   float64
	)
	flags := cmd.Flags()
	flags.Float64Var(&rate, "rate", 0, "arrivals per second")
	flags.IntVar(&maxN, "max", 0, "stop after this many customers (0 = unlimited)")
	flags.Int64Var(&seed, "seed", 0, "random seed (0 = time based)")
	flags.StringVar(&prefix, "prefix", "", "customer name prefix")
	flags.Float64Var(&mean, "mean-basket", 0, "mean basket size")

	prev := cmd.PreRunE
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		gc := &(*cfg).Generator
		if flags.Changed("rate") {
			gc.Rate = rate
		}
		if flags.Changed("max") {
			gc.MaxCustomers = maxN
		}
		if flags.Changed("seed") {
			gc.Seed = seed
		}
		if flags.Changed("prefix") {
			gc.NamePrefix = prefix
		}
		if flags.Changed("mean-basket") {
			gc.MeanBasketSize = mean
		}
		if prev != nil {
			return prev(cmd, args)
		}
		return nil
	}
}

// start connects and runs the generator in the background.
func (g Generator) start(coord *shutdown.Coordinator) (<-chan error, error) {
	cfg := g.App.Config
	clientID := customer.ClientID("generator")
	client, err := g.App.Connect(coord.Context(), clientID)
	if err != nil {
		return nil, err
	}
	g.App.DisconnectOnShutdown(coord, client)

	gen, err := customer.NewGenerator(client, clientID, customer.GeneratorConfig{
		Namespace:      cfg.Namespace,
		Rate:           cfg.Generator.Rate,
		NamePrefix:     cfg.Generator.NamePrefix,
		MaxCustomers:   cfg.Generator.MaxCustomers,
		Seed:           cfg.Generator.Seed,
		MeanBasketSize: cfg.Generator.MeanBasketSize,
		RequestTimeout: cfg.RequestTimeout.Duration,
	}, g.App.Log)
	if err != nil {
		return nil, err
	}

	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		done <- gen.Run(coord.Context())
	}()

	coord.RegisterFunc("generator", shutdown.PhaseService, func(ctx context.Context) error {
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("generator: %w", ctx.Err())
		}
	})
	return done, nil
}
