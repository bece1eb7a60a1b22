// Package dispatcher runs pipeline tasks on a fixed number of slots fed from
// an unbounded backlog.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/metrics"
	"github.com/JakeFAU/consulta-orchestrator/internal/queue/memory"
)

// DefaultSlots is the slot count used when none is configured.
const DefaultSlots = 15

// Task is one unit of pool work, usually the orchestration of one job.
type Task struct {
	JobID string
	Run   func(ctx context.Context)
}

// Config controls the pool.
type Config struct {
	Slots int
}

// Pool fans queued tasks out to a fixed set of slots. Submit always succeeds
// while the pool is open; tasks beyond the slot count wait in FIFO order.
type Pool struct {
	queue  *memory.Queue[Task]
	slots  int
	active atomic.Int64
	logger *zap.Logger

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

// New creates a Pool.
func New(cfg Config, logger *zap.Logger) *Pool {
	if cfg.Slots <= 0 {
		cfg.Slots = DefaultSlots
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:  memory.NewQueue[Task](),
		slots:  cfg.Slots,
		logger: logger.Named("pool"),
		timers: make(map[*time.Timer]struct{}),
	}
}

// Run starts the slots and blocks until ctx ends and every slot has finished
// its current task. Tasks run detached from ctx cancellation.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.slots; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			p.slotLoop(ctx, slot)
		}(i)
	}
	<-ctx.Done()
	p.stopTimers()
	p.queue.Close()
	wg.Wait()
	if pending := p.queue.Len(); pending > 0 {
		p.logger.Warn("pool stopped with pending tasks", zap.Int("pending", pending))
	}
}

func (p *Pool) slotLoop(ctx context.Context, slot int) {
	logger := p.logger.With(zap.Int("slot", slot))
	taskCtx := context.WithoutCancel(ctx)
	for {
		if ctx.Err() != nil {
			return
		}
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, memory.ErrClosed) {
				logger.Error("dequeue failed", zap.Error(err))
			}
			return
		}
		metrics.SetPoolPending(p.queue.Len())
		p.execute(taskCtx, task, logger)
	}
}

func (p *Pool) execute(ctx context.Context, task Task, logger *zap.Logger) {
	metrics.SetPoolActive(int(p.active.Add(1)))
	defer func() {
		metrics.SetPoolActive(int(p.active.Add(-1)))
	}()
	defer func() {
		if r := recover(); r != nil {
			metrics.ObservePoolPanic()
			logger.Error("task panicked",
				zap.String("job_id", task.JobID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()
	task.Run(ctx)
}

// Submit appends task to the backlog. It fails only after shutdown.
func (p *Pool) Submit(task Task) error {
	if task.Run == nil {
		return fmt.Errorf("submit task %s: nil run func", task.JobID)
	}
	if err := p.queue.Enqueue(task); err != nil {
		return fmt.Errorf("submit task %s: %w", task.JobID, err)
	}
	metrics.SetPoolPending(p.queue.Len())
	return nil
}

// SubmitAfter submits task once delay has elapsed. No slot is held while waiting.
func (p *Pool) SubmitAfter(delay time.Duration, task Task) {
	if delay <= 0 {
		p.submitLogged(task)
		return
	}
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		p.timersMu.Lock()
		delete(p.timers, timer)
		p.timersMu.Unlock()
		p.submitLogged(task)
	})
	p.timers[timer] = struct{}{}
}

func (p *Pool) submitLogged(task Task) {
	if err := p.Submit(task); err != nil {
		p.logger.Warn("delayed task dropped", zap.String("job_id", task.JobID), zap.Error(err))
	}
}

func (p *Pool) stopTimers() {
	p.timersMu.Lock()
	defer p.timersMu.Unlock()
	for timer := range p.timers {
		timer.Stop()
		delete(p.timers, timer)
	}
}

// ActiveCount returns the number of slots running a task.
func (p *Pool) ActiveCount() int {
	return int(p.active.Load())
}

// Pending returns the backlog length.
func (p *Pool) Pending() int {
	return p.queue.Len()
}

// Capacity returns the slot count.
func (p *Pool) Capacity() int {
	return p.slots
}

// Saturation is the fraction of busy slots.
func (p *Pool) Saturation() float64 {
	return float64(p.ActiveCount()) / float64(p.slots)
}
