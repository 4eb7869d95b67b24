// Package sinks implements concrete progress consumers: Prometheus collectors,
// the search run history store and structured logging. Each sink satisfies
// progress.Sink and tolerates repeated Consume/Close cycles.
package sinks
