package backend

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy for transient transport errors: up to three attempts with
// 100ms, 200ms backoff between them. Conditional failures and transaction
// cancellations never retry.
const (
	retryInitialInterval = 100 * time.Millisecond
	retryMaxAttempts     = 3
)

func newCallBackoff() backoff.BackOff {
	// BackOff implementations are stateful; always return a fresh instance.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	return backoff.WithMaxRetries(bo, retryMaxAttempts-1)
}

// Do executes op with transient-error retry. Non-transient errors stop
// immediately and surface unchanged.
func (h *Handle) Do(ctx context.Context, name string, op func() error) error {
	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			attempt++
			h.log.Warn("transient backend error, retrying",
				"op", name, "attempt", attempt, "error", err)
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newCallBackoff(), ctx))
}
