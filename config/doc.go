// Package config loads the gateway configuration from a YAML file and
// environment variables. It covers the listener, logging, health checking,
// circuit breaking, proxying and the optional bootstrap catalogue.
package config
