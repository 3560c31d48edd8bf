// Package api hosts the ops HTTP server. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/checkpoints?source=&limit=&offset= lists stored checkpoints.
//   - GET /v1/checkpoints/{source}/{key} returns one checkpoint, 404 when the
//     target has never committed.
package api
