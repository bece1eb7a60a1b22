// Package sinks implements progress consumers: structured logging, Prometheus
// collectors, and terminal result notifications through a publisher. Each sink
// satisfies progress.Sink and tolerates repeated Consume/Close cycles.
package sinks
