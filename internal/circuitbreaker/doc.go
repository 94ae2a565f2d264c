// Package circuitbreaker implements the per-service circuit breaker that gates
// proxied requests.
//
// A circuit breaker prevents cascading failures by temporarily blocking requests
// to a failing service. It has three states:
//
//   - CLOSED: Normal operation, requests pass through. Consecutive failures are
//     counted and the circuit opens once they reach the failure threshold.
//   - OPEN: Service failing, requests blocked until the reset timeout elapses.
//   - HALF_OPEN: Probes are admitted one at a time. Enough consecutive successes
//     close the circuit; a single failure reopens it.
//
// Outcomes are classified by the caller. The router counts any HTTP response
// with a status below 500 as a success, so client errors never trip a circuit.
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.DefaultSettings(), nil)
//	if registry.AllowRequest("order-service") {
//	    // Make request...
//	    registry.RecordOutcome("order-service", resp.StatusCode < 500)
//	}
package circuitbreaker
