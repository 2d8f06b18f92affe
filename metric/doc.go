// Package metric provides Prometheus-based metrics collection and the HTTP
// server exposing them for SemRelay.
//
// # Architecture
//
//  1. Relay Metrics: registry size, bus subscribe/unsubscribe outcomes,
//     delivery counters and NATS connection health (Metrics type)
//  2. Component Registry: registration for component-specific collectors
//     (MetricsRegistrar interface)
//  3. HTTP Server: Prometheus endpoint (Server type)
//
// # Basic Usage
//
//	registry := metric.NewMetricsRegistry()
//	server := metric.NewServer(9090, "/metrics", registry)
//
//	go func() {
//	    if err := server.Start(); err != nil {
//	        logger.Error("metrics server failed", "error", err)
//	    }
//	}()
//	defer server.Stop(ctx)
//
//	m := registry.CoreMetrics()
//	m.RecordBusSubscribe(nil)
//	m.RecordDelivered(3)
//
// # Disabled Metrics
//
// Components take a *Metrics and never check it for nil. A nil *Metrics
// turns every Record call into a no-op, and a nil *MetricsRegistry returns a
// nil *Metrics from CoreMetrics, so wiring metrics off is a matter of passing
// nil.
//
// # Exposed Series
//
// All series use the semrelay namespace:
//
//	semrelay_registry_channels
//	semrelay_registry_connections
//	semrelay_bus_subscribe_total{result}
//	semrelay_bus_unsubscribe_total{result}
//	semrelay_messages_received_total
//	semrelay_messages_delivered_total
//	semrelay_messages_dropped_total{reason}
//	semrelay_messages_send_failures_total
//	semrelay_gateway_connections_total{result}
//	semrelay_nats_connected
//	semrelay_nats_rtt_milliseconds
//	semrelay_nats_reconnects_total
//	semrelay_nats_circuit_breaker
//
// # Thread Safety
//
// MetricsRegistry is safe for concurrent use. Prometheus collectors are
// themselves safe for concurrent updates.
package metric
