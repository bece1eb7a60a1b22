package consulta

import (
	"time"
)

// JobStatus represents the lifecycle state of a lookup job.
type JobStatus string

// Job status values persisted in the job store.
const (
	JobStatusPending         JobStatus = "pending"
	JobStatusStageARunning   JobStatus = "stage_a_running"
	JobStatusStageADone      JobStatus = "stage_a_done"
	JobStatusStageBRunning   JobStatus = "stage_b_running"
	JobStatusSolvingCaptcha  JobStatus = "solving_captcha"
	JobStatusDeferredPending JobStatus = "deferred_pending"
	JobStatusCompleted       JobStatus = "completed"
	JobStatusError           JobStatus = "error"
	JobStatusNotFound        JobStatus = "not_found"
	JobStatusCaptchaFailed   JobStatus = "captcha_failed"
)

// IsTerminal reports whether no further transition is expected for the status.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusError, JobStatusNotFound, JobStatusCaptchaFailed:
		return true
	default:
		return false
	}
}

// Mode selects how stage B runs relative to stage A.
type Mode string

// Supported pipeline modes.
const (
	ModeImmediate Mode = "immediate"
	ModeDeferred  Mode = "deferred"
	ModeSkip      Mode = "skip"
)

// ParseMode maps client input to a Mode. An empty value selects ModeImmediate.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case "":
		return ModeImmediate, nil
	case ModeImmediate, ModeDeferred, ModeSkip:
		return Mode(raw), nil
	default:
		return "", NewValidationError("mode must be one of immediate, deferred, skip")
	}
}

// JobKind distinguishes admitted jobs from the stage-B children of deferred jobs.
type JobKind string

// Job kinds.
const (
	JobKindPipeline JobKind = "pipeline"
	JobKindStageB   JobKind = "stage_b"
)

// Stage identifies one external lookup of the pipeline.
type Stage string

// Pipeline stages. Stage A is the fast SISBEN lookup, stage B the CAPTCHA-gated
// Registraduría census lookup.
const (
	StageA Stage = "sisben"
	StageB Stage = "registraduria"
)

// Fields is the structured data extracted from a stage's result page.
type Fields map[string]string

// Clone returns an independent copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// ResultKind tags the Result payload.
type ResultKind string

// Result kinds exposed to clients.
const (
	ResultPartial       ResultKind = "partial"
	ResultSuccess       ResultKind = "success"
	ResultNotFound      ResultKind = "not_found"
	ResultCaptchaFailed ResultKind = "captcha_failed"
	ResultError         ResultKind = "error"
)

// ResultData carries the per-stage payloads. A nil stage means the stage found
// nothing, failed, or did not run.
type ResultData struct {
	Sisben        Fields `json:"sisben"`
	Registraduria Fields `json:"registraduria"`
}

// Result is the client-visible payload attached to a job.
type Result struct {
	Kind    ResultKind `json:"status"`
	Message string     `json:"mensaje,omitempty"`
	Subject string     `json:"cedula,omitempty"`
	Data    ResultData `json:"datos"`
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	if r == nil {
		return nil
	}
	cp := *r
	cp.Data.Sisben = r.Data.Sisben.Clone()
	cp.Data.Registraduria = r.Data.Registraduria.Clone()
	return &cp
}

// Job is the record kept for each admitted lookup (and each deferred stage-B child).
type Job struct {
	ID        string    `json:"job_id"`
	Kind      JobKind   `json:"kind"`
	SubjectID string    `json:"cedula"`
	Mode      Mode      `json:"mode"`
	Status    JobStatus `json:"status"`
	Message   string    `json:"mensaje,omitempty"`
	Result    *Result   `json:"result,omitempty"`
	ParentID  string    `json:"parent_job_id,omitempty"`
	ChildID   string    `json:"child_job_id,omitempty"`
	// QueueID is the external queue item a queued lookup came from.
	QueueID   string    `json:"cola_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a copy of j that shares no mutable state with it.
func (j Job) Clone() Job {
	cp := j
	cp.Result = j.Result.Clone()
	return cp
}
