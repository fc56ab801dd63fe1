package command

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/supermarket/customer"
	"github.com/vinayprograms/supermarket/heartbeat"
	"github.com/vinayprograms/supermarket/protocol"
)

// Watch prints checkout liveness and the authority's status broadcasts.
type Watch struct {
	App *App
}

// Command returns the watch subcommand.
func (w Watch) Command() *cobra.Command {
	var timeout, every time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Observe checkout heartbeats, telemetry and queue status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := w.App.dial(customer.ClientID("watch"))
			if err != nil {
				return err
			}
			defer func() { _ = b.Close() }()

			mon, err := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
				Bus:       b,
				Namespace: w.App.Config.Namespace,
				Timeout:   timeout,
			})
			if err != nil {
				return err
			}
			mon.OnDead(func(id string) {
				w.App.Log.Warn("checkout_silent", map[string]interface{}{
					"checkout_id": id,
					"timeout":     timeout.String(),
				})
			})

			beats, err := mon.WatchAll()
			if err != nil {
				return err
			}
			defer func() { _ = mon.Stop() }()

			coord := w.App.Shutdown(cmd.Context())
			ticker := time.NewTicker(every)
			defer ticker.Stop()

			out := cmd.OutOrStdout()
			for {
				select {
				case <-coord.Done():
					return nil
				case beat, ok := <-beats:
					if !ok {
						return nil
					}
					w.App.Log.Debug("beat", map[string]interface{}{"checkout_id": beat.CheckoutID})
				case <-ticker.C:
					snap, ok := mon.Aggregate()
					if !ok {
						continue
					}
					printStatus(out, snap, mon, timeout)
				}
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "dead-after", 15*time.Second, "report a checkout silent after this long")
	cmd.Flags().DurationVar(&every, "every", 2*time.Second, "print interval")
	return cmd
}

// printStatus writes one table row per checkout.
func printStatus(out io.Writer, snap protocol.StatusResponse, mon *heartbeat.BusMonitor, deadAfter time.Duration) {
	ids := make([]string, 0, len(snap.Checkouts))
	for id := range snap.Checkouts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "%s\n", protocol.FromUnixSeconds(snap.TS).Format(time.TimeOnly))
	fmt.Fprintln(tw, "CHECKOUT\tQUEUE\tWORKLOAD\tSERVED\tALIVE")
	for _, id := range ids {
		e := snap.Checkouts[id]
		served := "-"
		if beat := mon.Last(id); beat != nil && beat.Status != nil {
			served = fmt.Sprint(beat.Status.ServedCount)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%t\n",
			id, e.QueueLen, e.Workload, served, mon.IsAlive(id, deadAfter))
	}
	_ = tw.Flush()
}
