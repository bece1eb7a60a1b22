// Package stage runs one lookup stage against its site: drive the form, solve
// the CAPTCHA, capture the result page, and classify what came back.
package stage

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/metrics"
)

// ErrUnknownStage is returned for a stage without a script.
var ErrUnknownStage = errors.New("unknown stage")

// captchaError marks failures that happened while solving the CAPTCHA.
type captchaError struct{ err error }

func (e *captchaError) Error() string { return "solve captcha: " + e.err.Error() }
func (e *captchaError) Unwrap() error { return e.err }

// Pause is a range for human-like waits between form steps.
type Pause struct {
	Min time.Duration
	Max time.Duration
}

// Config tunes an Executor.
type Config struct {
	// StepPause is waited between form interactions.
	StepPause Pause
	// PageSettle is waited after navigation and after submitting.
	PageSettle Pause
	// ReadyTimeout bounds the wait for the form to appear.
	ReadyTimeout time.Duration
	// ResultTimeout bounds the wait for the result page after submitting.
	ResultTimeout time.Duration
}

// Request is one stage run.
type Request struct {
	JobID     string
	Stage     consulta.Stage
	SubjectID string
	// OnCaptcha, when set, is called right before the CAPTCHA is sent to the solver.
	OnCaptcha func(ctx context.Context)
}

// Executor runs stage scripts. It is safe for concurrent use; every Run opens
// its own browsing session.
type Executor struct {
	browser consulta.Browser
	solver  consulta.CaptchaSolver
	scripts map[consulta.Stage]Script
	blobs   consulta.BlobStore
	hasher  consulta.Hasher
	sleeper consulta.Sleeper
	cfg     Config
	logger  *zap.Logger
}

// Option customizes an Executor.
type Option func(*Executor)

// WithSnapshots stores the captured result markup of every run in blobs.
func WithSnapshots(blobs consulta.BlobStore, hasher consulta.Hasher) Option {
	return func(e *Executor) {
		e.blobs = blobs
		e.hasher = hasher
	}
}

// WithLogger sets the executor logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Executor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// New creates an Executor.
func New(
	browser consulta.Browser,
	solver consulta.CaptchaSolver,
	sleeper consulta.Sleeper,
	cfg Config,
	scripts []Script,
	opts ...Option,
) *Executor {
	e := &Executor{
		browser: browser,
		solver:  solver,
		scripts: make(map[consulta.Stage]Script, len(scripts)),
		sleeper: sleeper,
		cfg:     cfg,
		logger:  zap.NewNop(),
	}
	for _, script := range scripts {
		e.scripts[script.Stage] = script
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.Named("stage")
	return e
}

// SnapshotPath is where the result markup of a stage run is stored.
func SnapshotPath(jobID string, stage consulta.Stage) string {
	return path.Join("snapshots", jobID, string(stage)+".html")
}

// Run executes one attempt of req.Stage. It never returns an error; every
// failure is folded into the outcome.
func (e *Executor) Run(ctx context.Context, req Request) (outcome consulta.StageOutcome) {
	logger := e.logger.With(
		zap.String("job_id", req.JobID),
		zap.String("stage", string(req.Stage)),
	)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("stage panicked", zap.Any("panic", r))
			outcome = consulta.TransientError(fmt.Errorf("stage panicked: %v", r))
		}
		metrics.ObserveStage(string(req.Stage), outcome.Kind.String(), time.Since(start))
		logger.Info("stage finished",
			zap.String("outcome", outcome.Kind.String()),
			zap.Duration("duration", time.Since(start)),
			zap.String("detail", outcome.Detail()),
		)
	}()

	script, ok := e.scripts[req.Stage]
	if !ok {
		return consulta.TransientError(fmt.Errorf("%w: %s", ErrUnknownStage, req.Stage))
	}

	var page capturedPage
	err := e.browser.WithSession(ctx, func(sctx context.Context, s consulta.Session) error {
		var err error
		page, err = e.drive(sctx, s, script, req, logger)
		return err
	})
	if err != nil {
		var cerr *captchaError
		if errors.As(err, &cerr) {
			return consulta.CaptchaUnsolved(cerr.err)
		}
		return consulta.TransientError(err)
	}

	e.snapshot(ctx, req, page.html, logger)
	return e.classify(script, page, logger)
}

type capturedPage struct {
	text string
	html string
}

func (e *Executor) drive(
	ctx context.Context,
	s consulta.Session,
	script Script,
	req Request,
	logger *zap.Logger,
) (capturedPage, error) {
	if err := s.Navigate(ctx, script.URL); err != nil {
		return capturedPage{}, err
	}
	if err := e.pause(ctx, e.cfg.PageSettle); err != nil {
		return capturedPage{}, err
	}
	if err := s.WaitVisible(ctx, script.ReadySelector, e.cfg.ReadyTimeout); err != nil {
		return capturedPage{}, err
	}

	for _, step := range script.Steps {
		if err := e.pause(ctx, e.cfg.StepPause); err != nil {
			return capturedPage{}, err
		}
		if err := runStep(ctx, s, step, req.SubjectID); err != nil {
			if step.Optional && ctx.Err() == nil {
				logger.Warn("optional form step failed", zap.String("selector", step.Selector), zap.Error(err))
				continue
			}
			return capturedPage{}, err
		}
	}
	if err := e.pause(ctx, e.cfg.StepPause); err != nil {
		return capturedPage{}, err
	}

	if req.OnCaptcha != nil {
		req.OnCaptcha(ctx)
	}
	token, err := e.solver.Solve(ctx, consulta.Challenge{
		SiteKey: script.SiteKey,
		PageURL: script.URL,
		Action:  script.Action,
	})
	if err != nil {
		return capturedPage{}, &captchaError{err: err}
	}
	if err := s.Evaluate(ctx, script.InjectToken(token)); err != nil {
		return capturedPage{}, fmt.Errorf("inject captcha token: %w", err)
	}
	if err := e.pause(ctx, e.cfg.StepPause); err != nil {
		return capturedPage{}, err
	}

	if err := s.Click(ctx, script.SubmitSelector); err != nil {
		return capturedPage{}, err
	}
	if err := s.WaitNavigation(ctx, e.cfg.ResultTimeout); err != nil {
		if ctx.Err() != nil {
			return capturedPage{}, err
		}
		// Some result pages render in place; read whatever is there.
		logger.Warn("result navigation timed out, reading current page", zap.Error(err))
	}
	if err := e.pause(ctx, e.cfg.PageSettle); err != nil {
		return capturedPage{}, err
	}

	text, err := s.Text(ctx)
	if err != nil {
		return capturedPage{}, err
	}
	html, err := s.HTML(ctx)
	if err != nil {
		return capturedPage{}, err
	}
	return capturedPage{text: text, html: html}, nil
}

func runStep(ctx context.Context, s consulta.Session, step Step, subjectID string) error {
	switch step.Kind {
	case StepSelect:
		return s.SelectOption(ctx, step.Selector, step.Value)
	case StepTypeSubject:
		return s.Type(ctx, step.Selector, subjectID)
	default:
		return fmt.Errorf("unknown step kind %d", step.Kind)
	}
}

func (e *Executor) classify(script Script, page capturedPage, logger *zap.Logger) consulta.StageOutcome {
	if script.AbsentText != nil && script.AbsentText(page.text) {
		logger.Debug("page reports subject not on file")
		return consulta.NotFound()
	}
	fields, err := script.Extractor.Extract(page.html)
	if err != nil {
		return consulta.TransientError(fmt.Errorf("extract %s fields: %w", script.Stage, err))
	}
	if len(fields) > 0 {
		return consulta.Found(fields)
	}
	logger.Debug("no fields extracted")
	return consulta.NotFound()
}

func (e *Executor) snapshot(ctx context.Context, req Request, html string, logger *zap.Logger) {
	if e.blobs == nil || strings.TrimSpace(html) == "" {
		return
	}
	key := SnapshotPath(req.JobID, req.Stage)
	uri, err := e.blobs.PutObject(ctx, key, "text/html; charset=utf-8", strings.NewReader(html))
	if err != nil {
		logger.Warn("store page snapshot failed", zap.String("path", key), zap.Error(err))
		return
	}
	fields := []zap.Field{zap.String("uri", uri), zap.Int("bytes", len(html))}
	if e.hasher != nil {
		if digest, err := e.hasher.Hash([]byte(html)); err == nil {
			fields = append(fields, zap.String("content_hash", digest))
		}
	}
	logger.Debug("stored page snapshot", fields...)
}

func (e *Executor) pause(ctx context.Context, p Pause) error {
	d := p.Min
	if spread := p.Max - p.Min; spread > 0 {
		d += time.Duration(rand.Int64N(int64(spread)))
	}
	if d <= 0 {
		return nil
	}
	return e.sleeper.Sleep(ctx, d)
}
