// Package shutdown stops the supermarket processes in order.
//
// Handlers are grouped into phases. Every handler in a phase runs
// concurrently and the next phase starts only when the previous one has
// finished. Two phases are predefined:
//
//   - PhaseService: the manager, checkout agents and customer generators
//   - PhaseTransport: rpc clients and message buses
//
// Stopping services first lets in-flight replies reach the bus before it
// goes away.
//
// # Usage
//
//	coord := shutdown.NewCoordinator(ctx, shutdown.Config{Logger: log})
//	coord.HandleSignals()
//
//	svc.Start(coord.Context())
//	coord.RegisterFunc("manager", shutdown.PhaseService, svc.Stop)
//	coord.RegisterFunc("rpc", shutdown.PhaseTransport, func(context.Context) error {
//		return client.Disconnect()
//	})
//
//	<-coord.Done()
//
// The context returned by Context is cancelled as soon as shutdown begins,
// whether from a signal, the parent context or a direct Shutdown call.
package shutdown
