// Package router implements the DynamicRouter, the catch-all handler that
// resolves each inbound request to a registered service and proxies it.
//
// For every request outside /gateway/ the router:
//  1. resolves the owning service by route, falling back to any claimant so
//     that an unavailable service yields a 503 instead of a 404
//  2. consults the service's circuit breaker
//  3. rejects services whose last health probe failed
//  4. rewrites the path and streams the exchange through the forwarder
//
// Upstream responses with a status below 500 count as breaker successes.
// Transport failures count as breaker failures and map to 408, 502 or 503.
package router
