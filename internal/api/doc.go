// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST/GET /v1/searches for starting and listing searches, with per-search
//     restart, resume, delete, entries, sources and runs sub-resources.
//   - GET /v1/classifications and /v1/abstracts/{scopus_id} for reference data.
package api
