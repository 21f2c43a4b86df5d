// Package api hosts the HTTP server, middleware, and handlers for the recovery
// service. Notable routes:
//   - GET /files/ lists recordings available for recovery.
//   - POST /recover-and-zip/ runs one recovery job and streams back the zip.
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
package api
