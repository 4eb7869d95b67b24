// Package crawler defines the domain model shared by the Scopus crawl
// subsystems: searches and their checkpoints, result entries, reference
// classifications and sources, aggregated counts, queue jobs, the upstream
// page shapes, and the error taxonomy used to decide whether a failure is
// retried, skipped, or fatal for a category run.
package crawler
