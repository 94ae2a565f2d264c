// Package metrics collects per-service traffic statistics for the gateway.
//
// Events are sent on a buffered channel and applied by a single goroutine, so
// the request path never waits on metrics bookkeeping. Each event updates two
// views:
//   - an in-memory Snapshot (request counts, latency percentiles, status codes,
//     health) used by the management API
//   - Prometheus instruments on a private registry, served by PrometheusHandler
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Service:    "order-service",
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
package metrics
