package captcha

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/backoff"
)

type fakeVendor struct {
	mu        sync.Mutex
	submitErr error
	results   []PollResult
	pollErr   error
	submits   int
	polls     int
	lastCh    consulta.Challenge
}

func (f *fakeVendor) Submit(_ context.Context, ch consulta.Challenge) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	f.lastCh = ch
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return "captcha-1", nil
}

func (f *fakeVendor) Poll(_ context.Context, handle string) (PollResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if handle != "captcha-1" {
		return PollResult{}, errors.New("unknown handle")
	}
	if f.pollErr != nil {
		return PollResult{}, f.pollErr
	}
	if len(f.results) == 0 {
		return PollResult{Status: PollNotReady}, nil
	}
	next := f.results[0]
	f.results = f.results[1:]
	return next, nil
}

type sumSleeper struct {
	mu    sync.Mutex
	total time.Duration
}

func (s *sumSleeper) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.total += d
	s.mu.Unlock()
	return ctx.Err()
}

func testPolicy(attempts int) backoff.Policy {
	return backoff.Thirds(attempts, time.Second, 1500*time.Millisecond, 2*time.Second, 3*time.Second, 0)
}

var challenge = consulta.Challenge{
	SiteKey: "site-key",
	PageURL: "https://wsp.registraduria.gov.co/censo/consultar",
}

func TestSolveReturnsTokenWhenReady(t *testing.T) {
	t.Parallel()

	vendor := &fakeVendor{results: []PollResult{
		{Status: PollNotReady},
		{Status: PollReady, Token: "tok-123"},
	}}
	solver := New(vendor, testPolicy(9), &sumSleeper{}, nil)

	token, err := solver.Solve(context.Background(), challenge)
	require.NoError(t, err)
	require.Equal(t, "tok-123", token)
	require.Equal(t, 1, vendor.submits)
	require.Equal(t, 2, vendor.polls)
	require.Equal(t, challenge, vendor.lastCh)
}

func TestSolveSubmissionRejectedIsNotRetried(t *testing.T) {
	t.Parallel()

	vendor := &fakeVendor{submitErr: errors.New("ERROR_ZERO_BALANCE")}
	solver := New(vendor, testPolicy(9), &sumSleeper{}, nil)

	_, err := solver.Solve(context.Background(), challenge)
	require.ErrorIs(t, err, ErrVendorRejected)
	require.Contains(t, err.Error(), "ERROR_ZERO_BALANCE")
	require.Equal(t, 1, vendor.submits)
	require.Zero(t, vendor.polls)
}

func TestSolveVendorErrorFailsFast(t *testing.T) {
	t.Parallel()

	vendor := &fakeVendor{results: []PollResult{
		{Status: PollNotReady},
		{Status: PollFailed, Detail: "ERROR_CAPTCHA_UNSOLVABLE"},
	}}
	solver := New(vendor, testPolicy(45), &sumSleeper{}, nil)

	_, err := solver.Solve(context.Background(), challenge)
	require.ErrorIs(t, err, ErrVendorError)
	require.Equal(t, 2, vendor.polls)
}

func TestSolvePollTransportErrorIsVendorError(t *testing.T) {
	t.Parallel()

	vendor := &fakeVendor{pollErr: errors.New("connection reset")}
	solver := New(vendor, testPolicy(45), &sumSleeper{}, nil)

	_, err := solver.Solve(context.Background(), challenge)
	require.ErrorIs(t, err, ErrVendorError)
	require.Equal(t, 1, vendor.polls)
}

func TestSolveNeverReadyTimesOutAfterFullSchedule(t *testing.T) {
	t.Parallel()

	policy := testPolicy(45)
	vendor := &fakeVendor{}
	sleeper := &sumSleeper{}
	solver := New(vendor, policy, sleeper, nil)

	_, err := solver.Solve(context.Background(), challenge)
	require.ErrorIs(t, err, ErrCaptchaTimeout)
	require.Equal(t, 45, vendor.polls)
	require.GreaterOrEqual(t, sleeper.total, policy.MinTotal())
}

func TestSolveCeilingTimesOut(t *testing.T) {
	t.Parallel()

	policy := backoff.Fixed(10*time.Millisecond, 1000)
	policy.Ceiling = 60 * time.Millisecond
	solver := New(&fakeVendor{}, policy, realSleeper{}, nil)

	start := time.Now()
	_, err := solver.Solve(context.Background(), challenge)
	require.ErrorIs(t, err, ErrCaptchaTimeout)
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSolveWithoutVendor(t *testing.T) {
	t.Parallel()

	solver := New(nil, testPolicy(3), &sumSleeper{}, nil)
	require.False(t, solver.Configured())
	_, err := solver.Solve(context.Background(), challenge)
	require.ErrorIs(t, err, ErrNotConfigured)
}

type realSleeper struct{}

func (realSleeper) Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
