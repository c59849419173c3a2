package assistant

import (
	"context"
	"errors"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/wcastil/AIStreamSocket/internal/domain"
)

// PollPolicy bounds the run-status polling loop: an increasing interval
// capped at MaxInterval, a wall-clock ceiling independent of poll count, and
// a retry budget for transient status-retrieval errors.
type PollPolicy struct {
	InitialInterval    time.Duration
	Multiplier         float64
	MaxInterval        time.Duration
	MaxWallClock       time.Duration
	MaxRetrieveRetries int
}

// DefaultPollPolicy mirrors the production defaults.
func DefaultPollPolicy() PollPolicy {
	return PollPolicy{
		InitialInterval:    800 * time.Millisecond,
		Multiplier:         1.5,
		MaxInterval:        2500 * time.Millisecond,
		MaxWallClock:       30 * time.Second,
		MaxRetrieveRetries: 3,
	}
}

// Await polls check until it reports done, fails permanently, or the policy
// wall clock expires. check returning (false, nil) keeps polling; a plain
// error counts against the retrieval retry budget and resets on the next
// success; an error wrapped with backoff.Permanent stops immediately.
// Wall-clock expiry yields domain.ErrUpstreamTimeout.
func Await(ctx context.Context, p PollPolicy, check func(context.Context) (bool, error)) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.InitialInterval
	expo.Multiplier = p.Multiplier
	expo.MaxInterval = p.MaxInterval
	expo.MaxElapsedTime = p.MaxWallClock
	expo.RandomizationFactor = 0
	expo.Reset()

	retries := 0
	for {
		done, err := check(ctx)
		switch {
		case err != nil:
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				return perm.Unwrap()
			}
			retries++
			if retries > p.MaxRetrieveRetries {
				return fmt.Errorf("op=assistant.poll: retries exhausted: %w", err)
			}
		case done:
			return nil
		default:
			retries = 0
		}

		next := expo.NextBackOff()
		if next == backoff.Stop {
			return fmt.Errorf("op=assistant.poll: %w", domain.ErrUpstreamTimeout)
		}
		t := time.NewTimer(next)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("op=assistant.poll: %w", ctx.Err())
		case <-t.C:
		}
	}
}
