package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
	"github.com/JakeFAU/consulta-orchestrator/internal/stage"
)

// DefaultDeferDelay is how long a deferred stage-B child waits before it is queued.
const DefaultDeferDelay = 2 * time.Second

// errTerminal rejects writes to a job whose result is already final.
var errTerminal = errors.New("job already terminal")

// StageRunner executes one stage attempt. *stage.Executor satisfies it.
type StageRunner interface {
	Run(ctx context.Context, req stage.Request) consulta.StageOutcome
}

// Pool accepts orchestration tasks. *dispatcher.Pool satisfies it.
type Pool interface {
	Submit(task dispatcher.Task) error
	SubmitAfter(delay time.Duration, task dispatcher.Task)
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Store   consulta.JobStore
	Runner  StageRunner
	Pool    Pool
	IDs     consulta.IDGenerator
	Clock   consulta.Clock
	Events  progress.Emitter
	Watcher *Watcher
}

// Orchestrator moves jobs through the state machine. It is safe for
// concurrent use; each job runs on its own pool slot.
type Orchestrator struct {
	store      consulta.JobStore
	runner     StageRunner
	pool       Pool
	ids        consulta.IDGenerator
	clock      consulta.Clock
	events     progress.Emitter
	watcher    *Watcher
	deferDelay time.Duration
	tracer     trace.Tracer
	logger     *zap.Logger
}

// NewOrchestrator builds an Orchestrator. A zero deferDelay uses DefaultDeferDelay.
func NewOrchestrator(deps Deps, deferDelay time.Duration, logger *zap.Logger) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deferDelay <= 0 {
		deferDelay = DefaultDeferDelay
	}
	events := deps.Events
	if events == nil {
		events = progress.Discard{}
	}
	return &Orchestrator{
		store:      deps.Store,
		runner:     deps.Runner,
		pool:       deps.Pool,
		ids:        deps.IDs,
		clock:      deps.Clock,
		events:     events,
		watcher:    deps.Watcher,
		deferDelay: deferDelay,
		tracer:     otel.Tracer("github.com/JakeFAU/consulta-orchestrator/internal/pipeline"),
		logger:     logger.Named("orchestrator"),
	}
}

// Task wraps the orchestration of jobID for the pool.
func (o *Orchestrator) Task(jobID string) dispatcher.Task {
	return dispatcher.Task{
		JobID: jobID,
		Run: func(ctx context.Context) {
			o.Process(ctx, jobID)
		},
	}
}

// Process runs jobID to completion. Failures become the job's terminal status.
func (o *Orchestrator) Process(ctx context.Context, jobID string) {
	logger := o.logger.With(zap.String("job_id", jobID))
	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		logger.Debug("job gone before dispatch", zap.Error(err))
		return
	}
	logger = logger.With(zap.String("kind", string(job.Kind)), zap.String("mode", string(job.Mode)))
	start := o.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("orchestration panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			o.fail(ctx, job, start, fmt.Errorf("panic: %v", r), logger)
		}
	}()

	if job.Kind == consulta.JobKindStageB {
		err = o.runChild(ctx, job, start)
	} else {
		err = o.runPipeline(ctx, job, start)
	}
	switch {
	case err == nil:
	case errors.Is(err, consulta.ErrJobNotFound):
		logger.Debug("job reaped while running; dropping writes", zap.Error(err))
	case errors.Is(err, errTerminal):
		logger.Debug("job already terminal", zap.Error(err))
	default:
		o.fail(ctx, job, start, err, logger)
	}
}

func (o *Orchestrator) runPipeline(ctx context.Context, job consulta.Job, start time.Time) error {
	if err := o.transition(ctx, job, consulta.JobStatusStageARunning, msgQueryingSisben); err != nil {
		return err
	}
	outA := o.runStage(ctx, job, consulta.StageA, nil)

	partial := &consulta.Result{
		Kind:    consulta.ResultPartial,
		Message: stageAMessage(outA, job.Mode),
		Subject: job.SubjectID,
		Data:    consulta.ResultData{Sisben: outA.Fields},
	}
	if err := o.publishPartial(ctx, job, partial); err != nil {
		return err
	}
	sisben := outA.Fields

	switch job.Mode {
	case consulta.ModeSkip:
		return o.finish(ctx, job, start, consulta.JobStatusCompleted, &consulta.Result{
			Kind:    consulta.ResultSuccess,
			Message: msgCompleted,
			Subject: job.SubjectID,
			Data:    consulta.ResultData{Sisben: sisben},
		})
	case consulta.ModeDeferred:
		return o.deferStageB(ctx, job)
	default:
		if err := o.transition(ctx, job, consulta.JobStatusStageBRunning, msgQueryingRegist); err != nil {
			return err
		}
		outB := o.runStage(ctx, job, consulta.StageB, o.captchaHook(job))
		status, result := stageBResult(job.SubjectID, sisben, outB, false)
		return o.finish(ctx, job, start, status, result)
	}
}

// runChild runs stage B for a deferred child job.
func (o *Orchestrator) runChild(ctx context.Context, job consulta.Job, start time.Time) error {
	if err := o.transition(ctx, job, consulta.JobStatusStageBRunning, msgQueryingRegist); err != nil {
		return err
	}
	outB := o.runStage(ctx, job, consulta.StageB, o.captchaHook(job))
	status, result := stageBResult(job.SubjectID, nil, outB, true)
	return o.finish(ctx, job, start, status, result)
}

// stageBResult maps the stage B outcome onto a terminal status and result.
// A child job carries only stage B, so not-found is its own terminal outcome;
// for a pipeline job it still completes with a null stage-B payload.
func stageBResult(subject string, sisben consulta.Fields, out consulta.StageOutcome, child bool) (consulta.JobStatus, *consulta.Result) {
	result := &consulta.Result{
		Subject: subject,
		Data:    consulta.ResultData{Sisben: sisben},
	}
	switch out.Kind {
	case consulta.OutcomeFound:
		result.Kind = consulta.ResultSuccess
		result.Message = msgCompleted
		result.Data.Registraduria = out.Fields
		return consulta.JobStatusCompleted, result
	case consulta.OutcomeNotFound:
		result.Message = msgRegistNotFound
		if child {
			result.Kind = consulta.ResultNotFound
			return consulta.JobStatusNotFound, result
		}
		result.Kind = consulta.ResultSuccess
		return consulta.JobStatusCompleted, result
	case consulta.OutcomeCaptchaUnsolved:
		result.Kind = consulta.ResultCaptchaFailed
		result.Message = withDetail(msgCaptchaFailed, out.Detail())
		return consulta.JobStatusCaptchaFailed, result
	default:
		result.Kind = consulta.ResultError
		result.Message = withDetail(msgStageBError, out.Detail())
		return consulta.JobStatusError, result
	}
}

func (o *Orchestrator) deferStageB(ctx context.Context, job consulta.Job) error {
	childID, err := o.ids.NewID()
	if err != nil {
		return fmt.Errorf("create child id: %w", err)
	}
	child := consulta.Job{
		ID:        childID,
		Kind:      consulta.JobKindStageB,
		SubjectID: job.SubjectID,
		Mode:      consulta.ModeImmediate,
		Status:    consulta.JobStatusPending,
		Message:   msgQueued,
		ParentID:  job.ID,
		CreatedAt: o.clock.Now(),
	}
	if err := o.store.Create(ctx, child); err != nil {
		return fmt.Errorf("create child job: %w", err)
	}

	updated, err := o.store.Update(ctx, job.ID, func(j *consulta.Job) error {
		if j.Status.IsTerminal() {
			return errTerminal
		}
		j.Status = consulta.JobStatusDeferredPending
		j.ChildID = childID
		j.Message = msgDeferred + childID
		return nil
	})
	if err != nil {
		// The parent is gone or final, so nothing would ever merge the child.
		if delErr := o.store.Delete(context.WithoutCancel(ctx), childID); delErr != nil && !errors.Is(delErr, consulta.ErrJobNotFound) {
			o.logger.Warn("orphaned child cleanup failed", zap.String("job_id", job.ID), zap.String("child_job_id", childID), zap.Error(delErr))
		}
		return err
	}
	o.emit(progress.Event{JobID: childID, JobKind: child.Kind, SubjectID: child.SubjectID, Kind: progress.KindAdmitted})
	o.emitTransition(updated)

	o.pool.SubmitAfter(o.deferDelay, o.Task(childID))
	if o.watcher != nil {
		o.watcher.Watch(job.ID, childID)
	}
	return nil
}

func (o *Orchestrator) runStage(ctx context.Context, job consulta.Job, st consulta.Stage, hook func(context.Context)) consulta.StageOutcome {
	ctx, span := o.tracer.Start(ctx, "stage "+string(st), trace.WithAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("job_kind", string(job.Kind)),
		attribute.String("stage", string(st)),
	))
	defer span.End()

	started := o.clock.Now()
	out := o.runner.Run(ctx, stage.Request{
		JobID:     job.ID,
		Stage:     st,
		SubjectID: job.SubjectID,
		OnCaptcha: hook,
	})
	span.SetAttributes(attribute.String("outcome", out.Kind.String()))
	if out.Kind == consulta.OutcomeTransientError || out.Kind == consulta.OutcomeCaptchaUnsolved {
		span.SetStatus(codes.Error, out.Detail())
	}
	o.emit(progress.Event{
		JobID:     job.ID,
		JobKind:   job.Kind,
		SubjectID: job.SubjectID,
		Kind:      progress.KindStageDone,
		Stage:     st,
		Outcome:   out.Kind.String(),
		Dur:       o.clock.Now().Sub(started),
		Note:      out.Detail(),
	})
	return out
}

// captchaHook exposes the solving_captcha sub-status while the solver works.
func (o *Orchestrator) captchaHook(job consulta.Job) func(context.Context) {
	return func(ctx context.Context) {
		if err := o.transition(ctx, job, consulta.JobStatusSolvingCaptcha, msgSolvingCaptcha); err != nil {
			o.logger.Debug("captcha sub-status not recorded", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
}

func (o *Orchestrator) publishPartial(ctx context.Context, job consulta.Job, partial *consulta.Result) error {
	updated, err := o.store.Update(ctx, job.ID, func(j *consulta.Job) error {
		if j.Status.IsTerminal() {
			return errTerminal
		}
		j.Status = consulta.JobStatusStageADone
		j.Message = partial.Message
		j.Result = partial
		return nil
	})
	if err != nil {
		return err
	}
	o.emitTransition(updated)
	return nil
}

func (o *Orchestrator) transition(ctx context.Context, job consulta.Job, status consulta.JobStatus, message string) error {
	updated, err := o.store.Update(ctx, job.ID, func(j *consulta.Job) error {
		if j.Status.IsTerminal() {
			return errTerminal
		}
		j.Status = status
		j.Message = message
		return nil
	})
	if err != nil {
		return err
	}
	o.emitTransition(updated)
	return nil
}

// finish writes the terminal status and result together.
func (o *Orchestrator) finish(ctx context.Context, job consulta.Job, start time.Time, status consulta.JobStatus, result *consulta.Result) error {
	updated, err := o.store.Update(ctx, job.ID, func(j *consulta.Job) error {
		if j.Status.IsTerminal() {
			return errTerminal
		}
		j.Status = status
		j.Message = result.Message
		j.Result = result
		return nil
	})
	if err != nil {
		return err
	}
	o.emitFinished(updated, start)
	return nil
}

// fail moves job to error from whatever non-terminal state it is in.
func (o *Orchestrator) fail(ctx context.Context, job consulta.Job, start time.Time, cause error, logger *zap.Logger) {
	logger.Warn("job failed", zap.Error(cause))
	err := o.finish(ctx, job, start, consulta.JobStatusError, &consulta.Result{
		Kind:    consulta.ResultError,
		Message: withDetail(msgPipelineError, cause.Error()),
		Subject: job.SubjectID,
	})
	if err != nil {
		logger.Debug("failure not recorded", zap.Error(err))
	}
}

func (o *Orchestrator) emitTransition(job consulta.Job) {
	o.emit(progress.Event{
		JobID:     job.ID,
		JobKind:   job.Kind,
		SubjectID: job.SubjectID,
		Kind:      progress.KindTransition,
		Status:    job.Status,
		Note:      job.Message,
	})
}

func (o *Orchestrator) emitFinished(job consulta.Job, start time.Time) {
	o.emit(progress.Event{
		JobID:     job.ID,
		JobKind:   job.Kind,
		SubjectID: job.SubjectID,
		Kind:      progress.KindFinished,
		Status:    job.Status,
		Dur:       o.clock.Now().Sub(start),
		Note:      job.Message,
		Result:    job.Result,
		QueueID:   job.QueueID,
	})
}

func (o *Orchestrator) emit(evt progress.Event) {
	if evt.TS.IsZero() {
		evt.TS = o.clock.Now()
	}
	o.events.Emit(evt)
}
