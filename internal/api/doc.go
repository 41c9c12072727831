// Package api hosts the HTTP server, middleware, and REST handlers for run
// submission. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/runs to resolve a batch of records synchronously.
//   - GET /v1/runs and /v1/runs/{run_id} to read the run history.
package api
