package progress

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
)

const testJobID = "0190f5d2-7c1e-7a2b-9c3d-4e5f60718293"

func TestHubFinishedEventSkipsBatchTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(jobEvent(KindAdmitted))
	hub.Emit(jobEvent(KindTransition))
	hub.Emit(jobEvent(KindFinished))

	require.Eventually(t, func() bool {
		batches := sink.Batches()
		return len(batches) == 1 && len(batches[0]) == 3
	}, time.Second, 5*time.Millisecond)
	batch := sink.Batches()[0]
	require.Equal(t, []Kind{KindAdmitted, KindTransition, KindFinished}, kinds(batch))
}

func TestHubReapedEventSkipsBatchTimer(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, sink)
	defer func() {
		require.NoError(t, hub.Close(context.Background()))
	}()

	hub.Emit(jobEvent(KindReaped))
	require.Eventually(t, func() bool {
		return len(sink.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubStepEventsWaitForSizeOrTimer(t *testing.T) {
	t.Parallel()

	bySize := newStubSink()
	sized := NewHub(Config{MaxBatchEvents: 2, MaxBatchWait: time.Minute}, bySize)
	defer func() {
		require.NoError(t, sized.Close(context.Background()))
	}()
	sized.Emit(jobEvent(KindAdmitted))
	sized.Emit(jobEvent(KindStageDone))
	require.Eventually(t, func() bool {
		batches := bySize.Batches()
		return len(batches) == 1 && len(batches[0]) == 2
	}, time.Second, 5*time.Millisecond)

	byTimer := newStubSink()
	timed := NewHub(Config{MaxBatchEvents: 10, MaxBatchWait: 25 * time.Millisecond}, byTimer)
	defer func() {
		require.NoError(t, timed.Close(context.Background()))
	}()
	timed.Emit(jobEvent(KindTransition))
	require.Eventually(t, func() bool {
		return len(byTimer.Batches()) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestHubStalledSinkDoesNotDelayOthers(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	stalled := &blockingSink{release: release}
	fast := newStubSink()
	hub := NewHub(Config{MaxBatchWait: time.Minute}, stalled, fast)

	hub.Emit(jobEvent(KindFinished))
	require.Eventually(t, func() bool {
		return len(fast.Batches()) == 1
	}, time.Second, 5*time.Millisecond)

	close(release)
	require.NoError(t, hub.Close(context.Background()))
	require.Equal(t, 1, stalled.consumed())
}

func TestHubStepEventDroppedWhenBufferFull(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: time.Second},
		events: make(chan Event, 1),
		logger: zap.NewNop(),
	}
	hub.events <- jobEvent(KindAdmitted)

	start := time.Now()
	hub.Emit(jobEvent(KindTransition))
	require.Less(t, time.Since(start), 50*time.Millisecond)
	require.EqualValues(t, 1, hub.dropped.Load())
}

func TestHubFinishedEventWaitsForRoom(t *testing.T) {
	t.Parallel()

	hub := &Hub{
		cfg:    Config{TerminalWait: time.Second},
		events: make(chan Event, 1),
		logger: zap.NewNop(),
	}
	hub.events <- jobEvent(KindAdmitted)
	go func() {
		time.Sleep(20 * time.Millisecond)
		<-hub.events
	}()

	hub.Emit(jobEvent(KindFinished))
	require.Zero(t, hub.dropped.Load())
	require.Equal(t, KindFinished, (<-hub.events).Kind)
}

func TestHubCloseDrainsThenClosesSinks(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 100, MaxBatchWait: time.Minute}, sink)
	hub.Emit(jobEvent(KindAdmitted))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Len(t, sink.Batches()[0], 1)
	require.True(t, sink.Closed())
}

func TestHubDropsInvalidEvents(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{MaxBatchEvents: 1}, sink)

	hub.Emit(Event{Kind: KindAdmitted, TS: time.Now()})
	hub.Emit(Event{JobID: "job", TS: time.Now(), Kind: KindFinished, Status: consulta.JobStatusStageADone})
	hub.Emit(jobEvent(KindFinished))

	require.NoError(t, hub.Close(context.Background()))
	require.Len(t, sink.Batches(), 1)
	require.Equal(t, KindFinished, sink.Batches()[0][0].Kind)
}

func TestHubEmitAfterCloseIsIgnored(t *testing.T) {
	t.Parallel()

	sink := newStubSink()
	hub := NewHub(Config{}, sink, nil)
	require.NoError(t, hub.Close(context.Background()))
	hub.Emit(jobEvent(KindAdmitted))
	require.NoError(t, hub.Close(context.Background()))
	require.Empty(t, sink.Batches())

	var nilHub *Hub
	nilHub.Emit(jobEvent(KindAdmitted))
	require.NoError(t, nilHub.Close(context.Background()))
}

func TestDropCounterReportsPerKind(t *testing.T) {
	t.Parallel()

	now := time.Unix(100, 0)
	d := dropCounter{interval: time.Second}
	counts, ok := d.add(KindTransition, now)
	require.True(t, ok)
	require.Equal(t, map[Kind]int64{KindTransition: 1}, counts)

	_, ok = d.add(KindFinished, now.Add(100*time.Millisecond))
	require.False(t, ok)
	_, ok = d.add(KindFinished, now.Add(200*time.Millisecond))
	require.False(t, ok)

	counts, ok = d.add(KindStageDone, now.Add(2*time.Second))
	require.True(t, ok)
	require.Equal(t, map[Kind]int64{KindFinished: 2, KindStageDone: 1}, counts)
}

func TestEventValidate(t *testing.T) {
	t.Parallel()

	now := time.Now()
	require.NoError(t, Event{JobID: "j", TS: now, Kind: KindTransition, Status: consulta.JobStatusStageARunning}.Validate())
	require.Error(t, Event{JobID: "j", TS: now, Kind: KindTransition}.Validate())
	require.Error(t, Event{JobID: "j", TS: now, Kind: KindStageDone, Stage: consulta.StageA}.Validate())
	require.NoError(t, Event{JobID: "j", TS: now, Kind: KindStageDone, Stage: consulta.StageA, Outcome: "found"}.Validate())
	require.Error(t, Event{JobID: "j", TS: now, Kind: "OTHER"}.Validate())
	require.Error(t, Event{JobID: "j", TS: now, Kind: KindReaped, Dur: -1}.Validate())
}

type stubSink struct {
	mu      sync.Mutex
	batches [][]Event
	closed  bool
}

func newStubSink() *stubSink {
	return &stubSink{batches: [][]Event{}}
}

func (s *stubSink) Consume(_ context.Context, batch []Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, append([]Event(nil), batch...))
	return nil
}

func (s *stubSink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSink) Batches() [][]Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]Event, len(s.batches))
	for i, b := range s.batches {
		out[i] = append([]Event(nil), b...)
	}
	return out
}

func (s *stubSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type blockingSink struct {
	release chan struct{}
	mu      sync.Mutex
	count   int
}

func (s *blockingSink) Consume(_ context.Context, batch []Event) error {
	<-s.release
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count += len(batch)
	return nil
}

func (*blockingSink) Close(context.Context) error { return nil }

func (s *blockingSink) consumed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

func jobEvent(kind Kind) Event {
	evt := Event{JobID: testJobID, JobKind: consulta.JobKindPipeline, SubjectID: "1234567890", TS: time.Now(), Kind: kind}
	switch kind {
	case KindTransition:
		evt.Status = consulta.JobStatusStageARunning
	case KindStageDone:
		evt.Stage = consulta.StageA
		evt.Outcome = "found"
	case KindFinished:
		evt.Status = consulta.JobStatusCompleted
	}
	return evt
}

func kinds(batch []Event) []Kind {
	out := make([]Kind, len(batch))
	for i, evt := range batch {
		out[i] = evt.Kind
	}
	return out
}
