// Package api hosts the status HTTP server that runs alongside the discovery
// loop. Routes:
//   - GET /healthz and /readyz for liveness and readiness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/session for the live session marker and statistics.
//   - GET /v1/recent for the latest discoveries, newest first.
package api
