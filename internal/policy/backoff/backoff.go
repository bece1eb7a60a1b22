// Package backoff implements the bounded polling policy used wherever the
// pipeline waits on an asynchronous result: CAPTCHA token polling and the
// deferred stage-B watcher.
package backoff

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"
)

// ErrExhausted is returned when the attempt budget or the wall-clock ceiling
// runs out before the polled operation reports completion.
var ErrExhausted = errors.New("poll budget exhausted")

// Tier is a delay range. Attempts are split evenly across a policy's tiers in
// order, and each delay is drawn from [Min, Max].
type Tier struct {
	Min time.Duration
	Max time.Duration
}

// Sleeper pauses between attempts.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// Policy is a bounded, non-decreasing polling schedule.
type Policy struct {
	// MaxAttempts bounds how many times the operation is polled.
	MaxAttempts int
	// Tiers lists delay ranges in non-decreasing order.
	Tiers []Tier
	// Ceiling is the hard wall-clock limit for the whole poll. Zero disables it.
	Ceiling time.Duration
	// Jitter returns a value in [0, max). Nil uses crypto/rand.
	Jitter func(max time.Duration) time.Duration
}

// Fixed returns a policy that waits interval before each of attempts polls.
func Fixed(interval time.Duration, attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		Tiers:       []Tier{{Min: interval, Max: interval}},
	}
}

// Thirds returns the three-tier schedule used for CAPTCHA polling: first for
// the first third of attempts, second for the next third, and a value from
// [lastMin, lastMax] afterwards.
func Thirds(attempts int, first, second, lastMin, lastMax, ceiling time.Duration) Policy {
	return Policy{
		MaxAttempts: attempts,
		Tiers: []Tier{
			{Min: first, Max: first},
			{Min: second, Max: second},
			{Min: lastMin, Max: lastMax},
		},
		Ceiling: ceiling,
	}
}

// Validate reports configuration errors.
func (p Policy) Validate() error {
	if p.MaxAttempts <= 0 {
		return fmt.Errorf("max attempts must be > 0")
	}
	if len(p.Tiers) == 0 {
		return fmt.Errorf("at least one tier is required")
	}
	for i, tier := range p.Tiers {
		if tier.Min < 0 || tier.Max < tier.Min {
			return fmt.Errorf("tier %d: invalid range [%s, %s]", i, tier.Min, tier.Max)
		}
		if i > 0 && tier.Min < p.Tiers[i-1].Min {
			return fmt.Errorf("tier %d: min %s below previous tier", i, tier.Min)
		}
	}
	if p.Ceiling < 0 {
		return fmt.Errorf("ceiling must be >= 0")
	}
	return nil
}

// TierFor returns the tier applied to the zero-based attempt.
func (p Policy) TierFor(attempt int) Tier {
	if len(p.Tiers) == 0 {
		return Tier{}
	}
	if attempt < 0 {
		attempt = 0
	}
	idx := 0
	if p.MaxAttempts > 0 {
		idx = attempt * len(p.Tiers) / p.MaxAttempts
	}
	if idx >= len(p.Tiers) {
		idx = len(p.Tiers) - 1
	}
	return p.Tiers[idx]
}

// Delay returns the wait before the zero-based attempt.
func (p Policy) Delay(attempt int) time.Duration {
	tier := p.TierFor(attempt)
	spread := tier.Max - tier.Min
	if spread <= 0 {
		return tier.Min
	}
	return tier.Min + p.jitter(spread)
}

// MinTotal is the shortest time the full schedule can take.
func (p Policy) MinTotal() time.Duration {
	var total time.Duration
	for i := 0; i < p.MaxAttempts; i++ {
		total += p.TierFor(i).Min
	}
	return total
}

// Poll waits before each attempt and calls fn until it reports done, returns
// an error, or the budget runs out. fn errors are returned unwrapped so callers
// can match them. Delays never decrease between attempts.
func (p Policy) Poll(
	ctx context.Context,
	sleeper Sleeper,
	fn func(ctx context.Context, attempt int) (bool, error),
) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("backoff policy: %w", err)
	}
	pollCtx := ctx
	if p.Ceiling > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, p.Ceiling)
		defer cancel()
	}

	var previous time.Duration
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		delay := p.Delay(attempt)
		if delay < previous {
			delay = previous
		}
		previous = delay
		if err := sleeper.Sleep(pollCtx, delay); err != nil {
			return p.stopReason(ctx, attempt)
		}
		done, err := fn(pollCtx, attempt)
		if err != nil {
			if ctx.Err() == nil && pollCtx.Err() != nil {
				return p.stopReason(ctx, attempt)
			}
			return err
		}
		if done {
			return nil
		}
	}
	return fmt.Errorf("%w after %d attempts", ErrExhausted, p.MaxAttempts)
}

func (p Policy) stopReason(parent context.Context, attempt int) error {
	if err := parent.Err(); err != nil {
		return fmt.Errorf("poll canceled: %w", err)
	}
	return fmt.Errorf("%w: ceiling %s reached at attempt %d", ErrExhausted, p.Ceiling, attempt+1)
}

func (p Policy) jitter(limit time.Duration) time.Duration {
	if p.Jitter != nil {
		return p.Jitter(limit)
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
