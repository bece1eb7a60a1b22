// Package ingest pulls queued lookups from an external work queue, runs them
// through the pipeline, and posts each result back to the queue once the job
// finishes.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
)

// Defaults applied by NewPuller.
const (
	DefaultSchedule  = "@every 30s"
	DefaultBatchSize = 10
	pollTimeout      = time.Minute
)

// Source is the queue API.
type Source interface {
	Pending(ctx context.Context, queue Queue, limit int) ([]Item, int, error)
	Report(ctx context.Context, report Report) error
}

// Submitter admits queued lookups into the pipeline.
type Submitter interface {
	SubmitQueued(ctx context.Context, subjectID string, st consulta.Stage, queueID string) (consulta.Job, error)
}

// Config controls polling.
type Config struct {
	// Schedule is a cron expression; an empty value uses DefaultSchedule.
	Schedule  string
	BatchSize int
	// Queues lists the queues polled in order. Nil polls both.
	Queues []Queue
}

// Puller admits queued items and reports their results. It is a
// progress.Sink: the job's finish event triggers the report.
type Puller struct {
	cfg    Config
	source Source
	logger *zap.Logger

	mu       sync.Mutex
	submit   Submitter
	inflight map[string]claim // job id -> queue item
	claimed  map[string]string
	cron     *cron.Cron
}

type claim struct {
	queue Queue
	item  Item
}

// NewPuller creates a Puller. Polling starts with Start.
func NewPuller(cfg Config, source Source, logger *zap.Logger) *Puller {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Queues == nil {
		cfg.Queues = []Queue{QueueSisben, QueueRegistraduria}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{
		cfg:      cfg,
		source:   source,
		logger:   logger.Named("ingest"),
		inflight: make(map[string]claim),
		claimed:  make(map[string]string),
	}
}

// Poll fetches one batch per queue and admits every item not already in
// flight. It returns how many jobs were admitted.
func (p *Puller) Poll(ctx context.Context) (int, error) {
	p.mu.Lock()
	submit := p.submit
	p.mu.Unlock()
	if submit == nil {
		return 0, errors.New("puller has no submitter")
	}

	admitted := 0
	var errs []error
	for _, queue := range p.cfg.Queues {
		items, backlog, err := p.source.Pending(ctx, queue, p.cfg.BatchSize)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(items) > 0 {
			p.logger.Info("pending lookups fetched",
				zap.String("queue", string(queue)),
				zap.Int("items", len(items)),
				zap.Int("backlog", backlog),
			)
		}
		for _, item := range items {
			ok, err := p.admit(ctx, submit, queue, item)
			if err != nil {
				errs = append(errs, err)
				break
			}
			if ok {
				admitted++
			}
		}
	}
	return admitted, errors.Join(errs...)
}

// admit submits item unless it is already in flight. A cédula the pipeline
// rejects is reported back as failed right away. Other submit errors stop the
// batch; the item stays queued remotely and is retried on the next poll.
func (p *Puller) admit(ctx context.Context, submit Submitter, queue Queue, item Item) (bool, error) {
	logger := p.logger.With(zap.String("queue", string(queue)), zap.String("cola_id", item.ID))

	// Holding mu across Submit keeps a fast job's finish event from being
	// consumed before the claim is recorded.
	p.mu.Lock()
	if _, busy := p.claimed[item.ID]; busy {
		p.mu.Unlock()
		return false, nil
	}
	job, err := submit.SubmitQueued(ctx, item.Cedula, queue.stage(), item.ID)
	if err == nil {
		p.inflight[job.ID] = claim{queue: queue, item: item}
		p.claimed[item.ID] = job.ID
	}
	p.mu.Unlock()

	switch {
	case err == nil:
		logger.Debug("queued lookup admitted", zap.String("job_id", job.ID))
		return true, nil
	case errors.Is(err, consulta.ErrValidation):
		logger.Info("queued lookup rejected", zap.Error(err))
		if rerr := p.source.Report(ctx, failedReport(queue, item, err.Error())); rerr != nil {
			logger.Warn("report rejected lookup failed", zap.Error(rerr))
		}
		return false, nil
	default:
		return false, fmt.Errorf("admit %s item %s: %w", queue, item.ID, err)
	}
}

// Consume implements progress.Sink. Finished jobs that came from the queue are
// reported; a failed report releases the claim so the next poll retries it.
func (p *Puller) Consume(ctx context.Context, batch []progress.Event) error {
	var errs []error
	for _, evt := range batch {
		if evt.Kind != progress.KindFinished && evt.Kind != progress.KindReaped {
			continue
		}
		c, ok := p.release(evt.JobID)
		if !ok || evt.Kind == progress.KindReaped {
			continue
		}
		report := reportFor(c, evt)
		if err := p.source.Report(ctx, report); err != nil {
			errs = append(errs, err)
			continue
		}
		p.logger.Info("lookup result reported",
			zap.String("job_id", evt.JobID),
			zap.String("queue", string(c.queue)),
			zap.String("cola_id", c.item.ID),
			zap.Bool("exito", report.Success),
		)
	}
	return errors.Join(errs...)
}

// Close implements progress.Sink.
func (p *Puller) Close(context.Context) error {
	return nil
}

func (p *Puller) release(jobID string) (claim, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.inflight[jobID]
	if !ok {
		return claim{}, false
	}
	delete(p.inflight, jobID)
	delete(p.claimed, c.item.ID)
	return c, true
}

// InFlight returns how many queue items are waiting on a job.
func (p *Puller) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight)
}

// Start sets the submitter and schedules polling. Overlapping polls are skipped.
func (p *Puller) Start(submit Submitter) error {
	if submit == nil {
		return errors.New("puller requires a submitter")
	}
	p.mu.Lock()
	p.submit = submit
	p.mu.Unlock()

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(p.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pollTimeout)
		defer cancel()
		if _, err := p.Poll(ctx); err != nil {
			p.logger.Warn("queue poll failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule poll %q: %w", p.cfg.Schedule, err)
	}
	p.cron = c
	c.Start()
	p.logger.Info("queue puller started",
		zap.String("schedule", p.cfg.Schedule),
		zap.Int("batch_size", p.cfg.BatchSize),
	)
	return nil
}

// Stop halts the schedule and waits for a running poll, or until ctx ends.
func (p *Puller) Stop(ctx context.Context) error {
	if p.cron == nil {
		return nil
	}
	select {
	case <-p.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop puller: %w", ctx.Err())
	}
}

// reportFor maps a finished job onto the queue's result. Success means the
// queue's own stage found data for the cédula.
func reportFor(c claim, evt progress.Event) Report {
	var (
		data    consulta.Fields
		message string
	)
	if evt.Result != nil {
		message = evt.Result.Message
		if c.queue == QueueRegistraduria {
			data = evt.Result.Data.Registraduria
		} else {
			data = evt.Result.Data.Sisben
		}
	}
	if evt.Status == consulta.JobStatusCompleted && len(data) > 0 {
		return Report{
			QueueID: c.item.ID,
			Cedula:  c.item.Cedula,
			Queue:   c.queue,
			Success: true,
			Data:    data.Clone(),
		}
	}
	if message == "" {
		message = string(evt.Status)
	}
	return failedReport(c.queue, c.item, message)
}

func failedReport(queue Queue, item Item, message string) Report {
	return Report{
		QueueID: item.ID,
		Cedula:  item.Cedula,
		Queue:   queue,
		Error:   &message,
	}
}
