// Package healthcheck probes service health endpoints.
//
// A probe is a single GET with a bounded timeout. Transport failures are
// classified (timeout, connection refused, DNS, ...) so callers can tell a
// slow service from an absent one.
package healthcheck
