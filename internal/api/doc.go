// Package api serves the /gateway/ management endpoints: service
// registration, inspection, on-demand health sweeps and metrics.
//
// Every JSON response uses the Envelope shape
// {success, message?, data?, error?}.
package api
