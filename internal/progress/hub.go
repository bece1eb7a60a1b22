package progress

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config controls buffering and batching for the Hub.
type Config struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	// SinkQueue bounds the batches waiting for any single sink.
	SinkQueue int
	// TerminalWait is how long Emit may wait for buffer room before dropping
	// a finished or reaped event. Step events never wait.
	TerminalWait time.Duration
	BaseContext  context.Context
	Logger       *zap.Logger
}

const (
	defaultBufferSize     = 1024
	defaultMaxBatchEvents = 100
	defaultMaxBatchWait   = 250 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
	defaultSinkQueue      = 16
	defaultTerminalWait   = 100 * time.Millisecond
	dropLogInterval       = 5 * time.Second
)

// Hub fans job events out to sinks. Step events are batched by size and age;
// a finished or reaped event closes the pending batch at once so result
// notifications never sit behind the batch timer. Every sink consumes batches
// in emission order on its own goroutine, so a stalled archive cannot hold
// back the publisher.
type Hub struct {
	cfg     Config
	lanes   []*lane
	events  chan Event
	stopCh  chan struct{}
	doneCh  chan struct{}
	logger  *zap.Logger
	drops   dropCounter
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
	closeCtx  context.Context
}

type lane struct {
	name    string
	sink    Sink
	batches chan []Event
}

// NewHub starts the batching goroutine and one delivery goroutine per sink.
func NewHub(cfg Config, sinks ...Sink) *Hub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.SinkQueue <= 0 {
		cfg.SinkQueue = defaultSinkQueue
	}
	if cfg.TerminalWait <= 0 {
		cfg.TerminalWait = defaultTerminalWait
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		cfg:    cfg,
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger.Named("progress"),
		drops:  dropCounter{interval: dropLogInterval},
	}
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		h.lanes = append(h.lanes, &lane{
			name:    fmt.Sprintf("%T", sink),
			sink:    sink,
			batches: make(chan []Event, cfg.SinkQueue),
		})
	}
	go h.run()
	return h
}

// Emit enqueues evt without blocking the caller on step events. A terminal
// event waits up to TerminalWait for buffer room before it is dropped.
func (h *Hub) Emit(evt Event) {
	if h == nil || h.closed.Load() {
		return
	}
	if err := evt.Validate(); err != nil {
		h.logger.Debug("discarding invalid progress event", zap.String("job_id", evt.JobID), zap.Error(err))
		return
	}
	select {
	case h.events <- evt:
		return
	default:
	}
	if evt.Kind.terminal() && h.cfg.TerminalWait > 0 {
		timer := time.NewTimer(h.cfg.TerminalWait)
		defer timer.Stop()
		select {
		case h.events <- evt:
			return
		case <-timer.C:
		case <-h.stopCh:
		}
	}
	h.dropped.Add(1)
	if counts, ok := h.drops.add(evt.Kind, time.Now()); ok {
		h.logger.Warn("progress events dropped due to backpressure",
			zap.String("job_id", evt.JobID),
			zap.Any("dropped_by_kind", counts),
		)
	}
}

// Close drains buffered events into the sinks, closes each sink once its
// queue is empty, and waits for the delivery goroutines. Later calls only wait.
func (h *Hub) Close(ctx context.Context) error {
	if h == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		h.closeCtx = ctx
		close(h.stopCh)
	})
	select {
	case <-h.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("progress hub close wait: %w", ctx.Err())
	}
}

func (h *Hub) run() {
	defer close(h.doneCh)
	var wg sync.WaitGroup
	for _, l := range h.lanes {
		wg.Add(1)
		go func(l *lane) {
			defer wg.Done()
			h.deliver(l)
		}(l)
	}
	h.collect()
	for _, l := range h.lanes {
		close(l.batches)
	}
	wg.Wait()
}

// collect assembles batches until Close, then drains whatever is buffered.
func (h *Hub) collect() {
	pending := make([]Event, 0, h.cfg.MaxBatchEvents)
	var deadline <-chan time.Time
	flush := func(draining bool) {
		if len(pending) == 0 {
			return
		}
		h.dispatch(pending, draining)
		pending = make([]Event, 0, h.cfg.MaxBatchEvents)
		deadline = nil
	}
	for {
		select {
		case evt := <-h.events:
			if len(pending) == 0 {
				deadline = time.After(h.cfg.MaxBatchWait)
			}
			pending = append(pending, evt)
			if evt.Kind.terminal() || len(pending) >= h.cfg.MaxBatchEvents {
				flush(false)
			}
		case <-deadline:
			flush(false)
		case <-h.stopCh:
			for {
				select {
				case evt := <-h.events:
					pending = append(pending, evt)
					if len(pending) >= h.cfg.MaxBatchEvents {
						flush(true)
					}
				default:
					flush(true)
					return
				}
			}
		}
	}
}

// dispatch hands batch to every lane. Lanes share the slice. While running, a
// full lane loses the batch so the other sinks keep flowing; while draining,
// dispatch waits for room.
func (h *Hub) dispatch(batch []Event, draining bool) {
	for _, l := range h.lanes {
		if draining {
			l.batches <- batch
			continue
		}
		select {
		case l.batches <- batch:
		default:
			h.logger.Warn("progress sink queue full, batch dropped",
				zap.String("sink", l.name),
				zap.Int("batch", len(batch)),
				zap.Int("finished", countTerminal(batch)),
			)
		}
	}
}

func (h *Hub) deliver(l *lane) {
	for batch := range l.batches {
		ctx, cancel := context.WithTimeout(h.cfg.BaseContext, h.cfg.SinkTimeout)
		if err := l.sink.Consume(ctx, batch); err != nil {
			h.logger.Warn("progress sink consume failed",
				zap.String("sink", l.name),
				zap.Int("batch", len(batch)),
				zap.Error(err),
			)
		}
		cancel()
	}
	ctx := h.closeCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := l.sink.Close(ctx); err != nil {
		h.logger.Warn("progress sink close failed", zap.String("sink", l.name), zap.Error(err))
	}
}

func countTerminal(batch []Event) int {
	n := 0
	for _, evt := range batch {
		if evt.Kind.terminal() {
			n++
		}
	}
	return n
}

// dropCounter tallies dropped events per kind and reports them at most once
// per interval.
type dropCounter struct {
	mu       sync.Mutex
	interval time.Duration
	last     time.Time
	byKind   map[Kind]int64
}

func (d *dropCounter) add(kind Kind, now time.Time) (map[Kind]int64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.byKind == nil {
		d.byKind = make(map[Kind]int64)
	}
	d.byKind[kind]++
	if !d.last.IsZero() && now.Sub(d.last) < d.interval {
		return nil, false
	}
	d.last = now
	out := d.byKind
	d.byKind = nil
	return out, true
}
