// Package logger builds the gateway's slog loggers: text output for dev and
// staging, JSON for prod. Every record carries the environment, and
// subsystems tag theirs with Component.
package logger
