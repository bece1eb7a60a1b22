package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/backoff"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
)

// Default watch budget: one check every 5s for about five minutes.
const (
	DefaultWatchInterval = 5 * time.Second
	DefaultWatchAttempts = 60
)

// errChildGone stops a watch whose child job was reaped.
var errChildGone = errors.New("child job gone")

// Watcher follows deferred stage-B children and merges their result into the
// parent once they are terminal. If the budget runs out first the parent is
// left in deferred_pending with its child id.
type Watcher struct {
	store   consulta.JobStore
	policy  backoff.Policy
	sleeper backoff.Sleeper
	clock   consulta.Clock
	events  progress.Emitter
	logger  *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewWatcher creates a Watcher. A zero policy uses DefaultWatchInterval and
// DefaultWatchAttempts.
func NewWatcher(
	store consulta.JobStore,
	policy backoff.Policy,
	sleeper backoff.Sleeper,
	clock consulta.Clock,
	events progress.Emitter,
	logger *zap.Logger,
) *Watcher {
	if policy.MaxAttempts == 0 {
		policy = backoff.Fixed(DefaultWatchInterval, DefaultWatchAttempts)
	}
	if events == nil {
		events = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		store:   store,
		policy:  policy,
		sleeper: sleeper,
		clock:   clock,
		events:  events,
		logger:  logger.Named("watcher"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Watch starts following childID on behalf of parentID and returns immediately.
func (w *Watcher) Watch(parentID, childID string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.follow(w.ctx, parentID, childID)
	}()
}

// Close stops every watch and waits for them to return.
func (w *Watcher) Close() {
	w.cancel()
	w.wg.Wait()
}

func (w *Watcher) follow(ctx context.Context, parentID, childID string) {
	logger := w.logger.With(zap.String("job_id", parentID), zap.String("child_job_id", childID))
	var child consulta.Job
	err := w.policy.Poll(ctx, w.sleeper, func(ctx context.Context, _ int) (bool, error) {
		current, err := w.store.Get(ctx, childID)
		if errors.Is(err, consulta.ErrJobNotFound) {
			return false, errChildGone
		}
		if err != nil {
			logger.Debug("child lookup failed", zap.Error(err))
			return false, nil
		}
		child = current
		return current.Status.IsTerminal(), nil
	})
	switch {
	case err == nil:
	case errors.Is(err, backoff.ErrExhausted):
		logger.Warn("watch budget exhausted; parent left deferred", zap.Error(err))
		return
	case errors.Is(err, errChildGone):
		logger.Debug("child reaped before finishing")
		return
	default:
		logger.Debug("watch stopped", zap.Error(err))
		return
	}

	merged, err := w.merge(ctx, parentID, child)
	if err != nil {
		logger.Debug("merge not recorded", zap.Error(err))
		return
	}
	logger.Info("deferred result merged", zap.String("child_status", string(child.Status)))
	w.events.Emit(progress.Event{
		JobID:     merged.ID,
		JobKind:   merged.Kind,
		SubjectID: merged.SubjectID,
		TS:        w.clock.Now(),
		Kind:      progress.KindFinished,
		Status:    merged.Status,
		Dur:       w.clock.Now().Sub(merged.CreatedAt),
		Note:      merged.Message,
		Result:    merged.Result,
	})
}

// merge replaces the parent's partial result with the combined one.
func (w *Watcher) merge(ctx context.Context, parentID string, child consulta.Job) (consulta.Job, error) {
	var registraduria consulta.Fields
	if child.Result != nil {
		registraduria = child.Result.Data.Registraduria
	}
	message := msgCompleted
	if child.Status != consulta.JobStatusCompleted {
		message = fmt.Sprintf("%s Registraduría: %s", msgCompleted, child.Message)
	}
	return w.store.Update(ctx, parentID, func(j *consulta.Job) error {
		if j.Status != consulta.JobStatusDeferredPending {
			return fmt.Errorf("%w: status %s", errTerminal, j.Status)
		}
		var sisben consulta.Fields
		if j.Result != nil {
			sisben = j.Result.Data.Sisben
		}
		j.Status = consulta.JobStatusCompleted
		j.Message = message
		j.Result = &consulta.Result{
			Kind:    consulta.ResultSuccess,
			Message: message,
			Subject: j.SubjectID,
			Data:    consulta.ResultData{Sisben: sisben, Registraduria: registraduria},
		}
		return nil
	})
}
