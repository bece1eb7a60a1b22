// Package progress carries job lifecycle events from the pipeline to
// observers. The Hub batches step events on a background goroutine, flushes
// at once when a job finishes or is reaped, and feeds each sink (structured
// logs, Prometheus collectors, the result publisher, the Postgres archive) on
// its own goroutine so a slow observer never stalls a pool slot or its peers.
package progress
