// Package captcha solves reCAPTCHA challenges through an external solving
// vendor. A Solver submits a challenge once and then polls the vendor on a
// bounded backoff schedule until a token is ready, the vendor reports an
// error, or the budget runs out.
package captcha

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/consulta-orchestrator/internal/consulta"
	"github.com/JakeFAU/consulta-orchestrator/internal/metrics"
	"github.com/JakeFAU/consulta-orchestrator/internal/policy/backoff"
)

var (
	// ErrVendorRejected is returned when the vendor refuses a submission
	// (bad key, zero balance, malformed site key). It is never retried.
	ErrVendorRejected = errors.New("captcha submission rejected")
	// ErrVendorError is returned when a poll reports a failure other than not-ready.
	ErrVendorError = errors.New("captcha vendor error")
	// ErrCaptchaTimeout is returned when the poll budget or ceiling runs out.
	ErrCaptchaTimeout = errors.New("captcha not solved in time")
	// ErrNotConfigured is returned by a Solver without a vendor.
	ErrNotConfigured = errors.New("captcha solver not configured")
)

// PollStatus is the vendor's answer to a poll.
type PollStatus int

// Poll statuses.
const (
	PollNotReady PollStatus = iota
	PollReady
	PollFailed
)

// PollResult carries the token for PollReady and the vendor's error code for PollFailed.
type PollResult struct {
	Status PollStatus
	Token  string
	Detail string
}

// Vendor is a CAPTCHA solving service.
type Vendor interface {
	// Submit hands the challenge to the vendor and returns its handle.
	Submit(ctx context.Context, challenge consulta.Challenge) (string, error)
	// Poll asks for the result of a previously submitted challenge.
	Poll(ctx context.Context, handle string) (PollResult, error)
}

// Solver implements consulta.CaptchaSolver.
type Solver struct {
	vendor  Vendor
	policy  backoff.Policy
	sleeper backoff.Sleeper
	logger  *zap.Logger
}

// New creates a Solver. A nil vendor yields a solver that fails every
// challenge with ErrNotConfigured.
func New(vendor Vendor, policy backoff.Policy, sleeper backoff.Sleeper, logger *zap.Logger) *Solver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Solver{
		vendor:  vendor,
		policy:  policy,
		sleeper: sleeper,
		logger:  logger.Named("captcha"),
	}
}

// Configured reports whether a vendor is attached.
func (s *Solver) Configured() bool {
	return s != nil && s.vendor != nil
}

// Solve returns a token for challenge.
func (s *Solver) Solve(ctx context.Context, challenge consulta.Challenge) (string, error) {
	if !s.Configured() {
		return "", ErrNotConfigured
	}
	start := time.Now()
	token, err := s.solve(ctx, challenge)
	metrics.ObserveCaptchaSolve(outcomeLabel(err), time.Since(start))
	return token, err
}

func (s *Solver) solve(ctx context.Context, challenge consulta.Challenge) (string, error) {
	logger := s.logger.With(
		zap.String("page_url", challenge.PageURL),
		zap.Bool("with_action", challenge.Action != ""),
	)

	handle, err := s.vendor.Submit(ctx, challenge)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("submit captcha: %w", ctx.Err())
		}
		logger.Warn("captcha submission rejected", zap.Error(err))
		if errors.Is(err, ErrVendorRejected) {
			return "", err
		}
		return "", fmt.Errorf("%w: %w", ErrVendorRejected, err)
	}
	logger = logger.With(zap.String("captcha_id", handle))
	logger.Debug("captcha submitted")

	var token string
	err = s.policy.Poll(ctx, s.sleeper, func(pollCtx context.Context, attempt int) (bool, error) {
		result, err := s.vendor.Poll(pollCtx, handle)
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrVendorError, err)
		}
		switch result.Status {
		case PollReady:
			token = result.Token
			logger.Info("captcha solved", zap.Int("attempt", attempt+1))
			return true, nil
		case PollFailed:
			return false, fmt.Errorf("%w: %s", ErrVendorError, result.Detail)
		default:
			return false, nil
		}
	})
	switch {
	case err == nil:
		return token, nil
	case errors.Is(err, backoff.ErrExhausted):
		logger.Warn("captcha poll budget exhausted", zap.Error(err))
		return "", fmt.Errorf("%w: %w", ErrCaptchaTimeout, err)
	default:
		logger.Warn("captcha poll failed", zap.Error(err))
		return "", err
	}
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "solved"
	case errors.Is(err, ErrVendorRejected):
		return "rejected"
	case errors.Is(err, ErrVendorError):
		return "vendor_error"
	case errors.Is(err, ErrCaptchaTimeout):
		return "timeout"
	default:
		return "canceled"
	}
}
