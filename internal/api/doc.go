// Package api hosts the read-only status server for operators. Routes:
//   - GET /healthz and /readyz for liveness and readiness checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for repository counters.
//   - GET /v1/clauses and /v1/clauses/{id} for clause lookup.
package api
