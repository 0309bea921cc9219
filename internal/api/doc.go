// Package api hosts the HTTP control surface of the orchestrator. Notable
// routes:
//   - POST /jobs registers a job; POST /jobs/{id}/start|pause|resume|cancel
//     drive it through its lifecycle.
//   - GET /jobs, /jobs/{id} and /jobs/{id}/stats report progress.
//   - GET /queue/stats reports dispatch queue depth.
//   - GET /health checks the store and the broker; GET /metrics serves
//     Prometheus.
//
// Every route is also served under /api.
package api
