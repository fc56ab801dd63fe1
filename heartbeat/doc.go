// Package heartbeat provides checkout liveness signals and their observer.
//
// # Overview
//
// A checkout runs two periodic senders: a heartbeat on the shared checkout
// request topic, which the authority uses to refresh the checkout's
// last-seen time, and telemetry (served count and timing parameters) on its
// own status topic, which only observers read. A Monitor subscribes to both
// streams and to the aggregate status broadcast, and invokes callbacks when
// a checkout falls silent.
//
//	┌─────────────┐  ns/checkouts/requests        ┌─────────────┐
//	│   Sender    │ ────────────────────────────> │   Monitor   │
//	│ (checkout)  │  ns/checkouts/status/<id>     │  (watcher)  │
//	└─────────────┘ ────────────────────────────> └─────────────┘
//
// # Usage
//
// Sending from a checkout:
//
//	hb, _ := heartbeat.NewBusSender(heartbeat.HeartbeatConfig(client, ns, "C1"))
//	hb.Start(ctx)
//	defer hb.Stop()
//
// Watching:
//
//	monitor, _ := heartbeat.NewBusMonitor(heartbeat.MonitorConfig{
//	    Bus:     b,
//	    Timeout: 15 * time.Second, // 3 missed heartbeats
//	})
//	monitor.OnDead(func(id string) {
//	    log.Printf("checkout %s presumed dead", id)
//	})
//	updates, _ := monitor.WatchAll()
//
// # Recommendations
//
//   - Set timeout to 2-3x the heartbeat interval
//   - Handle OnDead callbacks idempotently
package heartbeat
