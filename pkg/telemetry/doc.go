// Package telemetry wires OpenTelemetry tracing for shard clients and bridges
// OpenTelemetry metric instruments into the Prometheus registry served on
// /metrics.
package telemetry
