// Package api hosts the HTTP front door. Routes:
//   - POST /v1/lookups admits a cédula lookup and returns its job id.
//   - GET /v1/jobs lists stored jobs; GET /v1/jobs/{job_id} returns one status.
//   - GET /v1/jobs/{job_id}/result returns the partial or final result.
//   - GET /v1/jobs/{job_id}/snapshots/{stage} returns captured page markup.
//   - GET /healthz (also sweeps expired jobs), /readyz and /metrics.
package api
