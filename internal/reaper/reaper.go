// Package reaper removes job records once they outlive the retention window.
// A sweep runs on every health check and on a cron schedule.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/metrics"
	"github.com/JakeFAU/consulta-orchestrator/internal/progress"
	"github.com/JakeFAU/consulta-orchestrator/internal/stage"
)

// Defaults applied by New.
const (
	DefaultRetention = 10 * time.Minute
	DefaultSchedule  = "@every 1m"
	sweepTimeout     = 30 * time.Second
)

// Config controls the retention window and the timer.
type Config struct {
	Retention time.Duration
	// Schedule is a cron expression; an empty value uses DefaultSchedule.
	Schedule string
}

// Reaper deletes jobs older than the retention window regardless of status,
// together with their page snapshots.
type Reaper struct {
	store  consulta.JobStore
	blobs  consulta.BlobStore
	clock  consulta.Clock
	events progress.Emitter
	cfg    Config
	logger *zap.Logger

	sweepMu sync.Mutex
	total   atomic.Int64
	cron    *cron.Cron
}

// New creates a Reaper. blobs may be nil when snapshots are disabled.
func New(cfg Config, store consulta.JobStore, blobs consulta.BlobStore, clock consulta.Clock, events progress.Emitter, logger *zap.Logger) *Reaper {
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if events == nil {
		events = progress.Discard{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reaper{
		store:  store,
		blobs:  blobs,
		clock:  clock,
		events: events,
		cfg:    cfg,
		logger: logger.Named("reaper"),
	}
}

// Retention returns the retention window.
func (r *Reaper) Retention() time.Duration {
	return r.cfg.Retention
}

// Expired reports whether job has outlived the retention window at now.
func (r *Reaper) Expired(job consulta.Job, now time.Time) bool {
	return now.Sub(job.CreatedAt) > r.cfg.Retention
}

// Sweep removes every expired job and returns how many were removed.
// Concurrent sweeps are serialized.
func (r *Reaper) Sweep(ctx context.Context) (int, error) {
	r.sweepMu.Lock()
	defer r.sweepMu.Unlock()

	jobs, err := r.store.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list jobs: %w", err)
	}
	now := r.clock.Now()
	removed := 0
	for _, job := range jobs {
		if !r.Expired(job, now) {
			continue
		}
		if err := r.store.Delete(ctx, job.ID); err != nil {
			if errors.Is(err, consulta.ErrJobNotFound) {
				continue
			}
			return removed, fmt.Errorf("delete job %s: %w", job.ID, err)
		}
		removed++
		r.dropSnapshots(ctx, job.ID)
		r.events.Emit(progress.Event{
			JobID:     job.ID,
			JobKind:   job.Kind,
			SubjectID: job.SubjectID,
			TS:        now,
			Kind:      progress.KindReaped,
			Status:    job.Status,
			Dur:       now.Sub(job.CreatedAt),
		})
	}
	if removed > 0 {
		r.total.Add(int64(removed))
		metrics.ObserveReaped(removed)
		r.logger.Info("reaped expired jobs", zap.Int("removed", removed), zap.Int("remaining", len(jobs)-removed))
	}
	return removed, nil
}

func (r *Reaper) dropSnapshots(ctx context.Context, jobID string) {
	if r.blobs == nil {
		return
	}
	for _, st := range []consulta.Stage{consulta.StageA, consulta.StageB} {
		path := stage.SnapshotPath(jobID, st)
		if err := r.blobs.DeleteObject(ctx, path); err != nil {
			r.logger.Debug("snapshot delete failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// TotalRemoved returns how many jobs every sweep since start has removed,
// whether triggered by the cron schedule or by a health check.
func (r *Reaper) TotalRemoved() int64 {
	return r.total.Load()
}

// Start schedules periodic sweeps. Overlapping runs are skipped.
func (r *Reaper) Start() error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(r.cfg.Schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		defer cancel()
		if _, err := r.Sweep(ctx); err != nil {
			r.logger.Warn("scheduled sweep failed", zap.Error(err))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule sweep %q: %w", r.cfg.Schedule, err)
	}
	r.cron = c
	c.Start()
	r.logger.Info("reaper started",
		zap.Duration("retention", r.cfg.Retention),
		zap.String("schedule", r.cfg.Schedule),
	)
	return nil
}

// Stop halts the schedule and waits for a running sweep, or until ctx ends.
func (r *Reaper) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	select {
	case <-r.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop reaper: %w", ctx.Err())
	}
}
