package consulta

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobStatusIsTerminal(t *testing.T) {
	t.Parallel()

	terminal := []JobStatus{JobStatusCompleted, JobStatusError, JobStatusNotFound, JobStatusCaptchaFailed}
	for _, s := range terminal {
		require.True(t, s.IsTerminal(), s)
	}
	running := []JobStatus{
		JobStatusPending,
		JobStatusStageARunning,
		JobStatusStageADone,
		JobStatusStageBRunning,
		JobStatusSolvingCaptcha,
		JobStatusDeferredPending,
	}
	for _, s := range running {
		require.False(t, s.IsTerminal(), s)
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	mode, err := ParseMode("")
	require.NoError(t, err)
	require.Equal(t, ModeImmediate, mode)

	mode, err = ParseMode("deferred")
	require.NoError(t, err)
	require.Equal(t, ModeDeferred, mode)

	_, err = ParseMode("later")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrValidation))
}

func TestJobCloneIsDeep(t *testing.T) {
	t.Parallel()

	job := Job{
		ID: "job-1",
		Result: &Result{
			Kind: ResultPartial,
			Data: ResultData{Sisben: Fields{"nombres": "ANA"}},
		},
	}
	cp := job.Clone()
	cp.Result.Data.Sisben["nombres"] = "changed"
	cp.Result.Kind = ResultSuccess

	require.Equal(t, "ANA", job.Result.Data.Sisben["nombres"])
	require.Equal(t, ResultPartial, job.Result.Kind)
}
