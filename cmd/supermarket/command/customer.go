package command

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/supermarket/customer"
)

// Customer sends a single join request.
type Customer struct {
	App *App
}

// Command returns the customer subcommand.
func (c Customer) Command() *cobra.Command {
	return &cobra.Command{
		Use:   "customer <name> [basket-size]",
		Short: "Join the queue once and print the assignment",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := args[0]
			basket := 0
			if len(args) == 2 {
				n, err := strconv.Atoi(args[1])
				if err != nil {
					return fmt.Errorf("basket size %q: %w", args[1], err)
				}
				basket = n
			}

			cfg := c.App.Config
			clientID := customer.ClientID(name)
			client, err := c.App.Connect(cmd.Context(), clientID)
			if err != nil {
				return err
			}
			defer func() { _ = client.Disconnect() }()

			a, err := customer.Join(cmd.Context(), client, cfg.Namespace, clientID, name, basket, cfg.RequestTimeout.Duration)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s -> %s (position %d, basket %d)\n",
				a.Name, a.CheckoutID, a.Position, a.BasketSize)
			return nil
		},
	}
}
