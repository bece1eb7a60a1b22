package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/consulta-orchestrator/internal/clock/system"
	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/dispatcher"
	"github.com/JakeFAU/consulta-orchestrator/internal/id/uuid"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/backoff"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
	"github.com/JakeFAU/consulta-orchestrator/internal/stage"
	"github.com/JakeFAU/consulta-orchestrator/internal/storage/memory"
)

// fakeRunner returns scripted outcomes per stage. A gated stage blocks until
// the gate is released.
type fakeRunner struct {
	mu       sync.Mutex
	outcomes map[consulta.Stage]consulta.StageOutcome
	gates    map[consulta.Stage]chan struct{}
	captcha  bool
	panicOn  consulta.Stage
	calls    []stage.Request
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		outcomes: map[consulta.Stage]consulta.StageOutcome{},
		gates:    map[consulta.Stage]chan struct{}{},
	}
}

func (f *fakeRunner) set(st consulta.Stage, out consulta.StageOutcome) *fakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[st] = out
	return f
}

// gate blocks st until the returned release func runs. Release is registered
// as cleanup so pool shutdown never hangs.
func (f *fakeRunner) gate(t *testing.T, st consulta.Stage) func() {
	t.Helper()
	ch := make(chan struct{})
	f.mu.Lock()
	f.gates[st] = ch
	f.mu.Unlock()
	var once sync.Once
	release := func() { once.Do(func() { close(ch) }) }
	t.Cleanup(release)
	return release
}

func (f *fakeRunner) Run(ctx context.Context, req stage.Request) consulta.StageOutcome {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	out, ok := f.outcomes[req.Stage]
	gate := f.gates[req.Stage]
	captcha := f.captcha
	panicOn := f.panicOn
	f.mu.Unlock()

	if panicOn == req.Stage {
		panic("browser exploded")
	}
	if captcha && req.Stage == consulta.StageB && req.OnCaptcha != nil {
		req.OnCaptcha(ctx)
	}
	if gate != nil {
		<-gate
	}
	if !ok {
		return consulta.NotFound()
	}
	return out
}

func (f *fakeRunner) stageCalls(st consulta.Stage) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Stage == st {
			n++
		}
	}
	return n
}

// recorder collects progress events.
type recorder struct {
	mu     sync.Mutex
	events []progress.Event
}

func (r *recorder) Emit(evt progress.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) finished(jobID string) []progress.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []progress.Event
	for _, evt := range r.events {
		if evt.JobID == jobID && evt.Kind == progress.KindFinished {
			out = append(out, evt)
		}
	}
	return out
}

type harness struct {
	store     *memory.JobStore
	pool      *dispatcher.Pool
	watcher   *Watcher
	orch      *Orchestrator
	scheduler *Scheduler
	events    *recorder
}

func newHarness(t *testing.T, runner StageRunner, watch backoff.Policy) *harness {
	t.Helper()
	clock := system.New()
	store := memory.NewJobStore(clock)
	pool := dispatcher.New(dispatcher.Config{Slots: 4}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()
	events := &recorder{}
	watcher := NewWatcher(store, watch, clock, clock, events, nil)
	t.Cleanup(func() {
		watcher.Close()
		cancel()
		<-done
	})

	deps := Deps{
		Store:   store,
		Runner:  runner,
		Pool:    pool,
		IDs:     uuid.New(),
		Clock:   clock,
		Events:  events,
		Watcher: watcher,
	}
	orch := NewOrchestrator(deps, time.Millisecond, nil)
	return &harness{
		store:     store,
		pool:      pool,
		watcher:   watcher,
		orch:      orch,
		scheduler: NewScheduler(deps, orch, nil),
		events:    events,
	}
}

func (h *harness) submit(t *testing.T, subject string, mode consulta.Mode) consulta.Job {
	t.Helper()
	job, err := h.scheduler.Submit(context.Background(), subject, mode)
	require.NoError(t, err)
	return job
}

// waitStatus polls until the job reaches one of statuses and returns it.
func (h *harness) waitStatus(t *testing.T, jobID string, statuses ...consulta.JobStatus) consulta.Job {
	t.Helper()
	var job consulta.Job
	require.Eventually(t, func() bool {
		current, err := h.store.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = current
		for _, s := range statuses {
			if current.Status == s {
				return true
			}
		}
		return false
	}, 2*time.Second, 2*time.Millisecond, "job %s never reached %v", jobID, statuses)
	return job
}

func fastWatch() backoff.Policy {
	return backoff.Fixed(2*time.Millisecond, 200)
}

func sisbenFields() consulta.Fields {
	return consulta.Fields{"nombres": "ANA MARIA", "apellidos": "PEREZ GOMEZ", "municipio": "PASTO"}
}

func registraduriaFields() consulta.Fields {
	return consulta.Fields{"departamento": "NARIÑO", "municipio": "PASTO", "mesa": "12"}
}
