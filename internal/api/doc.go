// Package api hosts the HTTP server, middleware, and REST handlers for
// operator access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/websites/{website_id}/jobs to submit a scrape.
//   - GET /v1/jobs/{job_id} and POST /v1/jobs/{job_id}/cancel.
package api
