package invite

import (
	"context"
	"errors"
	"time"
)

// ErrDeadline is returned by Poll when the deadline passes before the condition holds.
var ErrDeadline = errors.New("poll deadline exceeded")

// minPollInterval keeps a zero settle interval from spinning.
const minPollInterval = 50 * time.Millisecond

// Backoff controls the delay between poll attempts.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// DefaultBackoff starts at the settle interval and grows to four times it.
func DefaultBackoff(settle time.Duration) Backoff {
	return Backoff{Initial: settle, Max: 4 * settle, Factor: 2}
}

func (b Backoff) next(d time.Duration) time.Duration {
	f := b.Factor
	if f < 1 {
		f = 1
	}
	n := time.Duration(float64(d) * f)
	if b.Max > 0 && n > b.Max {
		n = b.Max
	}
	return n
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the default SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poll waits, then calls check, until check reports done, the deadline passes or ctx
// is cancelled. Waits grow per b and are clipped so Poll never sleeps past deadline.
func Poll(ctx context.Context, deadline time.Time, b Backoff, now func() time.Time, sleep SleepFunc, check func(ctx context.Context) (bool, error)) error {
	delay := b.Initial
	if delay <= 0 {
		delay = minPollInterval
	}
	for {
		remaining := deadline.Sub(now())
		if remaining <= 0 {
			return ErrDeadline
		}
		wait := delay
		if wait > remaining {
			wait = remaining
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}

		done, err := check(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		delay = b.next(delay)
	}
}
