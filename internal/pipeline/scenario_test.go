package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/consulta-orchestrator/internal/captcha"
	"github.com/JakeFAU/consulta-orchestrator/internal/clock/system"
	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/backoff"
	"github.com/JakeFAU/consulta-orchestrator/internal/stage"
)

const scenarioSisbenPage = `<html><body>
<div class="row campo"><p class="etiqueta1">Nombres:</p><p class="campo1">ANA MARIA</p></div>
<div class="row campo"><p class="etiqueta1">Apellidos:</p><p class="campo1">PEREZ GOMEZ</p></div>
<div class="row campo"><p class="etiqueta1">Municipio:</p><p class="campo1">Pasto</p></div>
</body></html>`

// pageSession serves a fixed page per navigated URL.
type pageSession struct {
	mu    sync.Mutex
	url   string
	pages map[string]string
}

func (s *pageSession) Navigate(_ context.Context, url string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = url
	return nil
}

func (s *pageSession) WaitVisible(context.Context, string, time.Duration) error { return nil }
func (s *pageSession) SelectOption(context.Context, string, string) error      { return nil }
func (s *pageSession) Type(context.Context, string, string) error              { return nil }
func (s *pageSession) Evaluate(context.Context, string) error                  { return nil }
func (s *pageSession) Click(context.Context, string) error                     { return nil }
func (s *pageSession) WaitNavigation(context.Context, time.Duration) error     { return nil }

func (s *pageSession) Text(ctx context.Context) (string, error) { return s.HTML(ctx) }

func (s *pageSession) HTML(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages[s.url], nil
}

type pageBrowser struct{ pages map[string]string }

func (b pageBrowser) WithSession(ctx context.Context, fn func(context.Context, consulta.Session) error) error {
	return fn(ctx, &pageSession{pages: b.pages})
}

// stubVendor answers every poll with the same status.
type stubVendor struct {
	ready bool
	mu    sync.Mutex
	polls int
}

func (v *stubVendor) Submit(context.Context, consulta.Challenge) (string, error) {
	return "captcha-1", nil
}

func (v *stubVendor) Poll(context.Context, string) (captcha.PollResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.polls++
	if v.ready {
		return captcha.PollResult{Status: captcha.PollReady, Token: "token"}, nil
	}
	return captcha.PollResult{Status: captcha.PollNotReady}, nil
}

func scenarioRunner(vendor captcha.Vendor, poll backoff.Policy) *stage.Executor {
	clock := system.New()
	browser := pageBrowser{pages: map[string]string{
		stage.SisbenURL:        scenarioSisbenPage,
		stage.RegistraduriaURL: "<html><body><p>No se encontró información para esta cédula</p></body></html>",
	}}
	solver := captcha.New(vendor, poll, clock, nil)
	return stage.New(browser, solver, clock, stage.Config{}, []stage.Script{
		stage.SisbenScript(stage.Site{}),
		stage.RegistraduriaScript(stage.Site{}),
	})
}

func TestScenarioSkipLookup(t *testing.T) {
	t.Parallel()

	runner := scenarioRunner(&stubVendor{ready: true}, backoff.Fixed(time.Millisecond, 3))
	h := newHarness(t, runner, fastWatch())

	started := time.Now()
	job := h.submit(t, "1087549965", consulta.ModeSkip)
	require.Less(t, time.Since(started), 100*time.Millisecond)

	done := h.waitStatus(t, job.ID, consulta.JobStatusCompleted, consulta.JobStatusError, consulta.JobStatusNotFound)
	require.Equal(t, consulta.JobStatusCompleted, done.Status)
	require.Equal(t, "ANA MARIA", done.Result.Data.Sisben["nombres"])
	require.Nil(t, done.Result.Data.Registraduria)
}

func TestScenarioRejectsShortCedula(t *testing.T) {
	t.Parallel()

	h := newHarness(t, newFakeRunner(), fastWatch())
	_, err := h.scheduler.Submit(context.Background(), "12345", consulta.ModeSkip)
	require.ErrorIs(t, err, consulta.ErrValidation)

	jobs, err := h.store.List(context.Background())
	require.NoError(t, err)
	require.Empty(t, jobs)
}

func TestScenarioCaptchaNeverReady(t *testing.T) {
	t.Parallel()

	vendor := &stubVendor{}
	poll := backoff.Thirds(6, time.Millisecond, 2*time.Millisecond, 2*time.Millisecond, 3*time.Millisecond, time.Second)
	h := newHarness(t, scenarioRunner(vendor, poll), fastWatch())

	started := time.Now()
	job := h.submit(t, "1087549965", consulta.ModeImmediate)
	done := h.waitStatus(t, job.ID, consulta.JobStatusCaptchaFailed, consulta.JobStatusCompleted, consulta.JobStatusError)
	require.Equal(t, consulta.JobStatusCaptchaFailed, done.Status)
	require.Equal(t, consulta.ResultCaptchaFailed, done.Result.Kind)
	require.Contains(t, done.Message, captcha.ErrCaptchaTimeout.Error())

	// Both stages wait out the full poll schedule before giving up.
	require.GreaterOrEqual(t, time.Since(started), 2*poll.MinTotal())
	vendor.mu.Lock()
	require.Equal(t, 2*poll.MaxAttempts, vendor.polls)
	vendor.mu.Unlock()
}

func TestScenarioDeferredLookup(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner().
		set(consulta.StageA, consulta.Found(sisbenFields())).
		set(consulta.StageB, consulta.Found(registraduriaFields()))
	release := runner.gate(t, consulta.StageB)
	h := newHarness(t, runner, fastWatch())

	job := h.submit(t, "1087549965", consulta.ModeDeferred)
	parked := h.waitStatus(t, job.ID, consulta.JobStatusDeferredPending)
	require.Equal(t, consulta.ResultPartial, parked.Result.Kind)
	require.NotEmpty(t, parked.ChildID)

	release()
	h.waitStatus(t, parked.ChildID, consulta.JobStatusCompleted)
	merged := h.waitStatus(t, job.ID, consulta.JobStatusCompleted)
	require.Equal(t, "NARIÑO", merged.Result.Data.Registraduria["departamento"])
	require.Equal(t, "ANA MARIA", merged.Result.Data.Sisben["nombres"])
}

func TestScenarioAdmissionIsAsynchronous(t *testing.T) {
	t.Parallel()

	runner := newFakeRunner()
	release := runner.gate(t, consulta.StageA)
	h := newHarness(t, runner, fastWatch())

	for i := range 20 {
		started := time.Now()
		_, err := h.scheduler.Submit(context.Background(), fmt.Sprintf("10875499%02d", i), consulta.ModeSkip)
		require.NoError(t, err)
		require.Less(t, time.Since(started), 50*time.Millisecond)
	}
	require.Eventually(t, func() bool { return h.pool.Pending() == 16 }, time.Second, time.Millisecond)
	release()
	require.Eventually(t, func() bool { return h.pool.Pending() == 0 && h.pool.ActiveCount() == 0 }, 2*time.Second, time.Millisecond)
}
