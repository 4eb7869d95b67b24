// Package progress provides the event primitives, non-blocking hub, and emitter
// interface that paginators and workers use to report crawl progress. Events
// are batched on a background goroutine and fanned out to pluggable sinks such
// as Prometheus metrics, structured logs or the search run history.
package progress
