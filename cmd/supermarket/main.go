// Command supermarket runs the checkout coordination roles: the manager,
// checkout agents, customers, a customer generator and a status watcher.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/supermarket/cmd/supermarket/command"
)

func main() {
	app := &command.App{}

	root := &cobra.Command{
		Use:           "supermarket",
		Short:         "Supermarket checkout coordination over pub/sub",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.Init(cmd)
		},
	}
	app.BindFlags(root)

	root.AddCommand(
		command.Manager{App: app}.Command(),
		command.Checkout{App: app}.Command(),
		command.Customer{App: app}.Command(),
		command.Generator{App: app}.Command(),
		command.Run{App: app}.Command(),
		command.Watch{App: app}.Command(),
	)

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
