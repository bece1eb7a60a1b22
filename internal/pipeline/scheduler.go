package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
)

// admission is the validated shape of a lookup request.
type admission struct {
	SubjectID string `validate:"required,number,min=6,max=10"`
	Mode      string `validate:"required,oneof=immediate deferred skip"`
}

// Scheduler admits lookups. Submit returns once the job is recorded and
// queued; it never waits for the pipeline.
type Scheduler struct {
	store    consulta.JobStore
	pool     Pool
	orch     *Orchestrator
	ids      consulta.IDGenerator
	clock    consulta.Clock
	events   progress.Emitter
	validate *validator.Validate
	logger   *zap.Logger
}

// NewScheduler creates a Scheduler that queues jobs for orch.
func NewScheduler(deps Deps, orch *Orchestrator, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	events := deps.Events
	if events == nil {
		events = progress.Discard{}
	}
	return &Scheduler{
		store:    deps.Store,
		pool:     deps.Pool,
		orch:     orch,
		ids:      deps.IDs,
		clock:    deps.Clock,
		events:   events,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		logger:   logger.Named("scheduler"),
	}
}

// Submit validates subjectID, creates a pending job and queues it. Malformed
// input fails with consulta.ErrValidation and creates nothing.
func (s *Scheduler) Submit(ctx context.Context, subjectID string, mode consulta.Mode) (consulta.Job, error) {
	if mode == "" {
		mode = consulta.ModeImmediate
	}
	return s.admit(ctx, consulta.JobKindPipeline, subjectID, mode, "")
}

// SubmitQueued admits a lookup taken from the external queue. A stage A item
// runs SISBEN alone; a stage B item runs a standalone Registraduría job with
// no parent. queueID travels with the job into its events and notification.
func (s *Scheduler) SubmitQueued(ctx context.Context, subjectID string, st consulta.Stage, queueID string) (consulta.Job, error) {
	switch st {
	case consulta.StageA:
		return s.admit(ctx, consulta.JobKindPipeline, subjectID, consulta.ModeSkip, queueID)
	case consulta.StageB:
		return s.admit(ctx, consulta.JobKindStageB, subjectID, consulta.ModeImmediate, queueID)
	default:
		return consulta.Job{}, consulta.NewValidationError(fmt.Sprintf("unknown stage %q", st))
	}
}

func (s *Scheduler) admit(ctx context.Context, kind consulta.JobKind, subjectID string, mode consulta.Mode, queueID string) (consulta.Job, error) {
	subjectID = strings.TrimSpace(subjectID)
	if err := s.check(admission{SubjectID: subjectID, Mode: string(mode)}); err != nil {
		return consulta.Job{}, err
	}

	id, err := s.ids.NewID()
	if err != nil {
		return consulta.Job{}, fmt.Errorf("generate job id: %w", err)
	}
	now := s.clock.Now()
	job := consulta.Job{
		ID:        id,
		Kind:      kind,
		SubjectID: subjectID,
		Mode:      mode,
		Status:    consulta.JobStatusPending,
		Message:   msgQueued,
		QueueID:   queueID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return consulta.Job{}, fmt.Errorf("record job: %w", err)
	}
	s.events.Emit(progress.Event{
		JobID:     id,
		JobKind:   kind,
		SubjectID: subjectID,
		TS:        now,
		Kind:      progress.KindAdmitted,
		Note:      string(mode),
		QueueID:   queueID,
	})
	if err := s.pool.Submit(s.orch.Task(id)); err != nil {
		_ = s.store.Delete(ctx, id)
		return consulta.Job{}, fmt.Errorf("queue job: %w", err)
	}
	s.logger.Info("lookup admitted",
		zap.String("job_id", id),
		zap.String("kind", string(kind)),
		zap.String("mode", string(mode)),
	)
	return job, nil
}

// check turns validator failures into client-readable validation errors.
func (s *Scheduler) check(in admission) error {
	err := s.validate.Struct(in)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return fmt.Errorf("validate admission: %w", err)
	}
	fe := fieldErrs[0]
	switch fe.Field() {
	case "SubjectID":
		switch fe.Tag() {
		case "required":
			return consulta.NewValidationError("cedula is required")
		case "number":
			return consulta.NewValidationError("cedula must contain only digits")
		default:
			return consulta.NewValidationError("cedula must have between 6 and 10 digits")
		}
	default:
		return consulta.NewValidationError("mode must be one of immediate, deferred, skip")
	}
}
