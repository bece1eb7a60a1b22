// Package main hosts the consulta orchestrator entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server accepts POST /v1/lookups with a cédula and a Registraduría mode, answers 202 with
//     a job id right away, and serves job status, partial or final results, stored result pages, health and metrics.
//   - Scheduler & pool: internal/pipeline.Scheduler validates the request, stores a pending job and hands its task to
//     the dispatcher pool. The pool runs a fixed number of slots; extra jobs wait in FIFO order and admission never
//     blocks on a busy pool.
//   - Pipeline: each job runs stage A (SISBEN) and, depending on the mode, stage B (Registraduría) right away, in a
//     separate child job after a short delay, or not at all. The stage A result is published on the job before stage
//     B starts, and a stage A failure never prevents stage B from running.
//   - Stage execution: internal/stage drives a chromedp tab through the form, solves the reCAPTCHA through the 2Captcha
//     client (resty) with a tiered poll schedule, extracts fields with goquery and keeps the result page as a snapshot
//     (memory/local/GCS).
//   - Queue ingestion: when ingest.enabled is set, internal/ingest.Puller polls the external work queue on a cron
//     schedule, admits SISBEN items as skip-mode jobs and Registraduría items as standalone stage-B jobs, and posts
//     each result back per queue item once the job's finish event reaches it through the progress Hub.
//   - Retention: internal/reaper removes every job older than the retention window, regardless of status, on a cron
//     schedule and opportunistically on /healthz.
//   - Plumbing: Viper loads config from file and CONSULTA_* env vars; zap provides structured logging; Prometheus
//     metrics come from the API middleware, the CAPTCHA solver and the progress Hub sink; finished jobs are announced
//     on Pub/Sub when a topic is configured.
//
// Operational notes:
//   - Job state lives in memory only. Restarting the process forgets every job.
//   - Shutdown: SIGTERM flips /readyz to 503, stops the HTTP server and the reaper, then lets busy slots finish
//     within server.shutdown_timeout before the browser and publishers are closed.
//   - Without captcha.api_key every CAPTCHA counts as unsolved; without browser.enabled every stage run reports a
//     transient error. Both keep the API usable for local smoke tests.
//
// Quick checklist:
//   - Configure env vars: CONSULTA_SERVER_PORT or PORT, CONSULTA_CAPTCHA_API_KEY, CONSULTA_POOL_SLOTS,
//     CONSULTA_BROWSER_ENABLED, CONSULTA_SNAPSHOTS_BACKEND, pubsub project/topic when notifications are wanted.
//   - Run locally: go run ./cmd/consultad -config config.yaml (or rely solely on env overrides).
package main
