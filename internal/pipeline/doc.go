// Package pipeline admits lookups and drives each job through its stages.
//
// A Scheduler validates the cédula, records a pending job and hands it to the
// worker pool. The Orchestrator runs on a pool slot: stage A (SISBEN) always
// completes with a partial result before stage B (Registraduría) is attempted,
// either on the same slot, on a deferred child job, or not at all. The Watcher
// merges a deferred child's result into its parent.
//
// Every failure is folded into a terminal job status and message; nothing
// escapes a pool slot.
package pipeline
