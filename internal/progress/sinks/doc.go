// Package sinks implements progress consumers: structured logs, Prometheus
// job and fetch metrics, and a publisher for terminal job events.
package sinks
