package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/backoff"
)

func TestSkipModeCompletesWithStageAOnly(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().set(consulta.StageA, consulta.Found(sisbenFields()))
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeSkip)
	require.Equal(t, consulta.JobStatusPending, job.Status)

	done := h.waitStatus(t, job.ID, consulta.JobStatusCompleted, consulta.JobStatusError, consulta.JobStatusNotFound)
	require.Equal(t, consulta.JobStatusCompleted, done.Status)
	require.NotNil(t, done.Result)
	require.Equal(t, consulta.ResultSuccess, done.Result.Kind)
	require.Equal(t, "1087549965", done.Result.Subject)
	require.Equal(t, "ANA MARIA", done.Result.Data.Sisben["nombres"])
	require.Nil(t, done.Result.Data.Registraduria)
	require.Zero(t, runner.stageCalls(consulta.StageB))
	require.Len(t, h.events.finished(job.ID), 1)
}

func TestImmediatePartialVisibleBeforeStageB(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().
		set(consulta.StageA, consulta.Found(sisbenFields())).
		set(consulta.StageB, consulta.Found(registraduriaFields()))
	release := runner.gate(t, consulta.StageB)
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeImmediate)
	mid := h.waitStatus(t, job.ID, consulta.JobStatusStageBRunning)
	require.NotNil(t, mid.Result)
	require.Equal(t, consulta.ResultPartial, mid.Result.Kind)
	require.Equal(t, "ANA MARIA", mid.Result.Data.Sisben["nombres"])
	require.Nil(t, mid.Result.Data.Registraduria)
	require.Equal(t, msgQueryingRegist, mid.Message)

	release()
	done := h.waitStatus(t, job.ID, consulta.JobStatusCompleted)
	require.Equal(t, consulta.ResultSuccess, done.Result.Kind)
	require.Equal(t, "ANA MARIA", done.Result.Data.Sisben["nombres"])
	require.Equal(t, "12", done.Result.Data.Registraduria["mesa"])
	require.False(t, done.UpdatedAt.Before(mid.UpdatedAt))
}

func TestImmediateStageBOutcomes(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		outcome    consulta.StageOutcome
		wantStatus consulta.JobStatus
		wantKind   consulta.ResultKind
		wantRegist bool
	}{
		{"found", consulta.Found(registraduriaFields()), consulta.JobStatusCompleted, consulta.ResultSuccess, true},
		{"not found", consulta.NotFound(), consulta.JobStatusCompleted, consulta.ResultSuccess, false},
		{"captcha", consulta.CaptchaUnsolved(errors.New("captcha not solved in time")), consulta.JobStatusCaptchaFailed, consulta.ResultCaptchaFailed, false},
		{"transient", consulta.TransientError(errors.New("navigate: timeout")), consulta.JobStatusError, consulta.ResultError, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			runner := newFakeRunner().
				set(consulta.StageA, consulta.Found(sisbenFields())).
				set(consulta.StageB, tc.outcome)
			h := newHarness(t, runner, fastWatch())

			job := h.submit(t, "1087549965", consulta.ModeImmediate)
			done := h.waitStatus(t, job.ID, tc.wantStatus)
			require.Equal(t, tc.wantKind, done.Result.Kind)
			require.Equal(t, tc.wantRegist, done.Result.Data.Registraduria != nil)
			require.Equal(t, "ANA MARIA", done.Result.Data.Sisben["nombres"])
			if tc.outcome.Err != nil {
				require.Contains(t, done.Message, tc.outcome.Err.Error())
			}
		})
	}
}

func TestStageAFailureDoesNotGateStageB(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().
		set(consulta.StageA, consulta.TransientError(errors.New("sisben down"))).
		set(consulta.StageB, consulta.Found(registraduriaFields()))
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeImmediate)
	done := h.waitStatus(t, job.ID, consulta.JobStatusCompleted)
	require.Nil(t, done.Result.Data.Sisben)
	require.Equal(t, "NARIÑO", done.Result.Data.Registraduria["departamento"])
	require.Equal(t, 1, runner.stageCalls(consulta.StageB))
}

func TestStageAFailureMessageOnPartial(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().set(consulta.StageA, consulta.TransientError(errors.New("sisben down")))
	release := runner.gate(t, consulta.StageB)
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeImmediate)
	mid := h.waitStatus(t, job.ID, consulta.JobStatusStageBRunning)
	require.Equal(t, consulta.ResultPartial, mid.Result.Kind)
	require.Contains(t, mid.Result.Message, "sisben down")
	release()
}

func TestCaptchaSubStatusExposed(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().set(consulta.StageB, consulta.Found(registraduriaFields()))
	runner.captcha = true
	release := runner.gate(t, consulta.StageB)
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeImmediate)
	mid := h.waitStatus(t, job.ID, consulta.JobStatusSolvingCaptcha)
	require.Equal(t, msgSolvingCaptcha, mid.Message)
	require.Equal(t, consulta.ResultPartial, mid.Result.Kind)

	release()
	h.waitStatus(t, job.ID, consulta.JobStatusCompleted)
}

func TestPanicBecomesError(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	runner.panicOn = consulta.StageA
	h := newHarness(t, runner, fastWatch())

	first := h.submit(t, "1087549965", consulta.ModeSkip)
	done := h.waitStatus(t, first.ID, consulta.JobStatusError)
	require.Equal(t, consulta.ResultError, done.Result.Kind)
	require.Contains(t, done.Message, "browser exploded")

	runner.mu.Lock()
	runner.panicOn = ""
	runner.mu.Unlock()
	second := h.submit(t, "1087549966", consulta.ModeSkip)
	h.waitStatus(t, second.ID, consulta.JobStatusCompleted)
}

func TestReapedJobIsNotResurrected(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().set(consulta.StageA, consulta.Found(sisbenFields()))
	release := runner.gate(t, consulta.StageA)
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeSkip)
	h.waitStatus(t, job.ID, consulta.JobStatusStageARunning)
	require.NoError(t, h.store.Delete(context.Background(), job.ID))
	release()

	require.Eventually(t, func() bool {
		return h.pool.ActiveCount() == 0 && h.pool.Pending() == 0
	}, time.Second, 2*time.Millisecond)
	_, err := h.store.Get(context.Background(), job.ID)
	require.ErrorIs(t, err, consulta.ErrJobNotFound)
	require.Empty(t, h.events.finished(job.ID))
}

func TestDeferralWithoutLiveParentLeavesNoChild(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRunner(), fastWatch())
	ctx := context.Background()

	gone := consulta.Job{ID: "reaped-parent", Kind: consulta.JobKindPipeline, SubjectID: "1087549965", Mode: consulta.ModeDeferred}
	require.ErrorIs(t, h.orch.deferStageB(ctx, gone), consulta.ErrJobNotFound)
	jobs, err := h.store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, jobs)

	final := gone
	final.ID = "final-parent"
	final.Status = consulta.JobStatusCompleted
	require.NoError(t, h.store.Create(ctx, final))
	require.ErrorIs(t, h.orch.deferStageB(ctx, final), errTerminal)
	jobs, err = h.store.List(ctx)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.Equal(t, final.ID, jobs[0].ID)

	h.events.mu.Lock()
	defer h.events.mu.Unlock()
	require.Empty(t, h.events.events)
}

func TestTerminalResultIsStable(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().
		set(consulta.StageA, consulta.Found(sisbenFields())).
		set(consulta.StageB, consulta.Found(registraduriaFields()))
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeImmediate)
	var last time.Time
	deadline := time.Now().Add(2 * time.Second)
	for {
		current, err := h.store.Get(context.Background(), job.ID)
		require.NoError(t, err)
		require.False(t, current.UpdatedAt.Before(last), "updated_at went backwards")
		last = current.UpdatedAt
		if current.Status.IsTerminal() {
			break
		}
		require.True(t, time.Now().Before(deadline), "job never finished")
		time.Sleep(time.Millisecond)
	}

	first, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	for range 5 {
		again, err := h.store.Get(context.Background(), job.ID)
		require.NoError(t, err)
		require.Equal(t, first, again)
	}

	h.orch.Process(context.Background(), job.ID)
	after, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, first.Status, after.Status)
	require.Equal(t, first.Result, after.Result)
}

func TestDeferredMergesChildResult(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().
		set(consulta.StageA, consulta.Found(sisbenFields())).
		set(consulta.StageB, consulta.Found(registraduriaFields()))
	release := runner.gate(t, consulta.StageB)
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeDeferred)
	parked := h.waitStatus(t, job.ID, consulta.JobStatusDeferredPending)
	require.NotEmpty(t, parked.ChildID)
	require.Equal(t, consulta.ResultPartial, parked.Result.Kind)
	require.Equal(t, "ANA MARIA", parked.Result.Data.Sisben["nombres"])

	child, err := h.store.Get(context.Background(), parked.ChildID)
	require.NoError(t, err)
	require.Equal(t, consulta.JobKindStageB, child.Kind)
	require.Equal(t, job.ID, child.ParentID)
	require.Equal(t, job.SubjectID, child.SubjectID)

	release()
	childDone := h.waitStatus(t, parked.ChildID, consulta.JobStatusCompleted)
	require.Nil(t, childDone.Result.Data.Sisben)
	require.Equal(t, "12", childDone.Result.Data.Registraduria["mesa"])

	merged := h.waitStatus(t, job.ID, consulta.JobStatusCompleted)
	require.Equal(t, consulta.ResultSuccess, merged.Result.Kind)
	require.Equal(t, "ANA MARIA", merged.Result.Data.Sisben["nombres"])
	require.Equal(t, "12", merged.Result.Data.Registraduria["mesa"])
	require.Equal(t, parked.ChildID, merged.ChildID)
	require.Equal(t, 1, runner.stageCalls(consulta.StageA))
	require.Len(t, h.events.finished(job.ID), 1)
}

func TestDeferredChildNotFound(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().set(consulta.StageA, consulta.Found(sisbenFields()))
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeDeferred)
	merged := h.waitStatus(t, job.ID, consulta.JobStatusCompleted)
	require.Nil(t, merged.Result.Data.Registraduria)
	require.Contains(t, merged.Message, msgRegistNotFound)

	child, err := h.store.Get(context.Background(), merged.ChildID)
	require.NoError(t, err)
	require.Equal(t, consulta.JobStatusNotFound, child.Status)
	require.Equal(t, consulta.ResultNotFound, child.Result.Kind)
}

func TestDeferredWatchBudgetExhausted(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().set(consulta.StageB, consulta.Found(registraduriaFields()))
	release := runner.gate(t, consulta.StageB)
	h := newHarness(t, runner, backoff.Fixed(time.Millisecond, 3))

	job := h.submit(t, "1087549965", consulta.ModeDeferred)
	parked := h.waitStatus(t, job.ID, consulta.JobStatusDeferredPending)
	h.waitStatus(t, parked.ChildID, consulta.JobStatusStageBRunning)

	// Give the watcher time to spend its budget, then let the child finish.
	time.Sleep(30 * time.Millisecond)
	release()
	h.waitStatus(t, parked.ChildID, consulta.JobStatusCompleted)

	require.Never(t, func() bool {
		current, err := h.store.Get(context.Background(), job.ID)
		return err != nil || current.Status != consulta.JobStatusDeferredPending
	}, 30*time.Millisecond, 2*time.Millisecond)
	current, err := h.store.Get(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, parked.ChildID, current.ChildID)
}

func TestProcessUnknownJobIsNoop(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	h := newHarness(t, runner, fastWatch())
	h.orch.Process(context.Background(), "missing")
	require.Empty(t, runner.calls)
}

func TestStageBResultMapping(t *testing.T) {
	t.Parallel()

	status, result := stageBResult("123456", nil, consulta.NotFound(), true)
	require.Equal(t, consulta.JobStatusNotFound, status)
	require.Equal(t, consulta.ResultNotFound, result.Kind)

	status, result = stageBResult("123456", sisbenFields(), consulta.NotFound(), false)
	require.Equal(t, consulta.JobStatusCompleted, status)
	require.Equal(t, consulta.ResultSuccess, result.Kind)
	require.Nil(t, result.Data.Registraduria)
}
