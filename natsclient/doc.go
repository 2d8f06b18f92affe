// Package natsclient provides a NATS client with circuit breaker protection,
// automatic reconnection and subscription handles for the relay's single bus
// connection.
//
// The package wraps the standard NATS Go client with reliability features:
// a circuit breaker that fails fast after repeated connect failures, status
// tracking through the connection lifecycle, and drain-on-close.
//
// # Core Features
//
// Circuit Breaker Pattern: after a threshold of consecutive failures (default: 5)
// the circuit opens and Connect fails fast with ErrCircuitOpen. The backoff
// doubles each time the threshold is hit again, capped at the max backoff.
//
// Connection Lifecycle: Disconnected → Connecting → Connected → Reconnecting →
// Connected, or Closed once reconnect attempts are exhausted or Close is
// called. Callbacks observe disconnect, reconnect, health changes and a final
// close that the caller did not request.
//
// Subscription Handles: Subscribe returns a *Subscription that removes exactly
// that subscription. The NATS client replays live subscriptions after a
// reconnect, so handles stay valid across outages.
//
// # Basic Usage
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithName("semrelay"),
//	    natsclient.WithLogger(natsclient.NewSlogLogger(logger)),
//	)
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	sub, err := client.Subscribe("user.42", func(subject string, data []byte) {
//	    fmt.Printf("%s: %s\n", subject, data)
//	})
//	if err != nil {
//	    return err
//	}
//	defer sub.Unsubscribe()
//
// # Testing
//
// NewTestClient starts a NATS container through testcontainers and returns a
// connected client. Tests using it carry the integration build tag:
//
//	go test -tags integration ./natsclient/...
//
// # Thread Safety
//
// All Client methods are safe for concurrent use. Handlers passed to
// Subscribe run on the NATS client's per-subscription goroutine.
package natsclient
