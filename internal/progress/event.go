package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

// Kind denotes the lifecycle milestone represented by an Event.
type Kind string

// Supported event kinds.
const (
	KindAdmitted   Kind = "JOB_ADMITTED"
	KindTransition Kind = "JOB_TRANSITION"
	KindStageDone  Kind = "STAGE_DONE"
	KindFinished   Kind = "JOB_FINISHED"
	KindReaped     Kind = "JOB_REAPED"
)

// terminal reports whether k ends a job's life in the table.
func (k Kind) terminal() bool {
	return k == KindFinished || k == KindReaped
}

// Event captures one step of a job's progress.
type Event struct {
	JobID string
	// JobKind distinguishes pipeline jobs from stage-B jobs.
	JobKind   consulta.JobKind
	SubjectID string
	TS        time.Time
	Kind      Kind
	// Status is the job status after a transition or at finish.
	Status consulta.JobStatus
	// Stage and Outcome describe a finished stage run.
	Stage   consulta.Stage
	Outcome string
	// Dur is the stage latency, or the job runtime at finish.
	Dur  time.Duration
	Note string
	// Result is the terminal result, set on KindFinished.
	Result *consulta.Result
	// QueueID is set for lookups admitted from the external queue.
	QueueID string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.JobID == "" {
		return errors.New("job id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Kind {
	case KindAdmitted, KindReaped:
	case KindTransition:
		if e.Status == "" {
			return errors.New("transition requires status")
		}
	case KindStageDone:
		if e.Stage == "" || e.Outcome == "" {
			return errors.New("stage done requires stage and outcome")
		}
	case KindFinished:
		if !e.Status.IsTerminal() {
			return fmt.Errorf("finish requires a terminal status, got %q", e.Status)
		}
	default:
		return fmt.Errorf("unknown kind %q", e.Kind)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
