// Package backend forwards requests to upstream services.
//
// A Forwarder wraps httputil.ReverseProxy with a per-request timeout and an
// ordered hook pipeline:
//
//   - PreDispatch runs on the outbound request (header injection).
//   - PostResponse runs once the upstream answered (outcome recording,
//     response headers).
//   - OnFailure runs when no response arrived and writes the client reply.
//
// Keeping policy in hooks lets callers test it without a live socket.
package backend
