package wire

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"firestige.xyz/tracevia/internal/core"
)

// RetryPolicy bounds how a failing reader is restarted.
type RetryPolicy struct {
	// MaxAttempts is the number of consecutive restarts allowed after a
	// transient failure. Zero disables restarts.
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// Delay returns the wait before restart number attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.Backoff
	if d <= 0 {
		d = 500 * time.Millisecond
	}
	maxDelay := p.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= maxDelay {
			return maxDelay
		}
	}
	return d
}

// Retry runs r until ctx is cancelled or the source is exhausted. Transient
// failures restart the reader after a backoff; the attempt counter resets
// whenever a run delivered frames. Once MaxAttempts consecutive restarts
// fail, the last error is returned.
func Retry(ctx context.Context, r *Reader, out chan<- core.RawFrame, p RetryPolicy) error {
	attempt := 0
	for {
		before := r.Stats().Frames
		err := r.Run(ctx, out)
		switch {
		case err == nil || ctx.Err() != nil:
			return nil
		case errors.Is(err, core.ErrSourceExhausted):
			return err
		case !errors.Is(err, core.ErrTransientIO):
			return err
		}

		if r.Stats().Frames > before {
			attempt = 0
		}
		if attempt >= p.MaxAttempts {
			return err
		}
		delay := p.Delay(attempt)
		attempt++
		slog.Warn("wire reader failed, restarting",
			"error", err,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}
