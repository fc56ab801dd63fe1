package command

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Run starts a whole supermarket in one process.
type Run struct {
	App *App
}

// Command returns the run subcommand.
func (r Run) Command() *cobra.Command {
	var checkouts int
	var noGenerator bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the manager, checkouts C1..CN and a generator together",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("checkouts") {
				r.App.Config.Checkout.Count = checkouts
			}
			return r.run(cmd.Context(), !noGenerator)
		},
	}
	cmd.Flags().IntVarP(&checkouts, "checkouts", "n", 0, "number of checkouts")
	cmd.Flags().BoolVar(&noGenerator, "no-generator", false, "do not start the customer generator")
	bindGeneratorFlags(cmd, &r.App.Config)
	return cmd
}

func (r Run) run(ctx context.Context, withGenerator bool) error {
	app := r.App
	coord := app.Shutdown(ctx)
	app.CloseMemoryOnShutdown(coord)

	fail := func(err error) error {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}

	if _, err := (Manager{App: app}).start(coord); err != nil {
		return fail(err)
	}

	// Every role reports into one group; the first failure stops the rest.
	var results []<-chan error
	for i := 1; i <= app.Config.Checkout.Count; i++ {
		done, err := (Checkout{App: app}).start(coord, fmt.Sprintf("C%d", i))
		if err != nil {
			return fail(err)
		}
		results = append(results, done)
	}
	if withGenerator {
		done, err := (Generator{App: app}).start(coord)
		if err != nil {
			return fail(err)
		}
		results = append(results, done)
	}

	g, gctx := errgroup.WithContext(coord.Context())
	for _, done := range results {
		done := done
		g.Go(func() error {
			select {
			case err := <-done:
				return err
			case <-gctx.Done():
				return nil
			}
		})
	}

	app.Log.Info("supermarket_running", map[string]interface{}{
		"checkouts": app.Config.Checkout.Count,
		"generator": withGenerator,
		"transport": app.Config.Transport.Kind,
	})

	failed := make(chan error, 1)
	go func() {
		if err := g.Wait(); err != nil {
			app.Log.Error("role_failed", map[string]interface{}{"error": err})
			failed <- err
		}
		_ = coord.ShutdownWithTimeout(0)
	}()

	<-coord.Done()
	select {
	case err := <-failed:
		return err
	default:
		return coord.Err()
	}
}
