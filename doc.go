// Package semrelay is a WebSocket fan-out relay for NATS subjects.
//
// A client opens a WebSocket on /<channel>, for example /user.42, and from then
// on receives every message published on the NATS subject of the same name.
// Any number of clients may share a channel; the relay holds exactly one
// upstream subscription per channel with at least one client and drops it when
// the last client leaves.
//
// # Architecture
//
//	NATS subject ──► bus.NATS ──► registry.Registry ──► websocket.Conn ──► client
//	                     ▲                │
//	                     └── Subscribe ───┘ (first member)
//	                         Unsubscribe    (last member)
//
// Packages:
//
//   - channel: allow-list admission of channel names (default "user." and "game.")
//   - registry: reference-counted channel membership and message fan-out
//   - bus: the NATS adapter the registry drives, plus bounded startup connect
//   - gateway/websocket: upgrade, per-connection send queue and keepalive
//   - health: the plain 200 answer for non-upgrade requests
//   - natsclient: NATS connection management with circuit breaker and metrics
//   - metric: Prometheus collectors and the /metrics server
//   - config: JSON/YAML configuration with SEMRELAY_* overrides
//   - errors: error classification and the typed relay error kinds
//   - pkg/retry: bounded exponential backoff
//
// # Delivery
//
// Delivery is best effort. A message published while a channel has no
// members is dropped. A client whose send queue is full misses that message
// while the others still receive it. There is no persistence or replay.
//
// # Running
//
//	./bin/semrelay --config configs/relay.yaml
//	SEMRELAY_NATS_URL=nats://nats:4222 ./bin/semrelay --log-format=text
//
// If the bus cannot be reached at startup, or the connection is closed for
// good later, the process exits non-zero.
package semrelay
