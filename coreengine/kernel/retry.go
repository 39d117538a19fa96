package kernel

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

// RetryPolicy bounds retries of downstream calls (persistence, delivery).
type RetryPolicy struct {
	MaxRetries int
	Initial    time.Duration
	Max        time.Duration
}

// RetryPolicyFromConfig derives the persistence policy from core config.
func RetryPolicyFromConfig(c *config.CoreConfig) RetryPolicy {
	return RetryPolicy{
		MaxRetries: c.MaxPersistenceRetries,
		Initial:    time.Duration(c.RetryInitialMs) * time.Millisecond,
		Max:        time.Duration(c.RetryMaxMs) * time.Millisecond,
	}
}

// retry runs op until it succeeds, the policy is exhausted or ctx ends.
// It returns the number of attempts made.
func retry(ctx context.Context, policy RetryPolicy, logger logging.Logger, operation string, op func(context.Context) error) (int, error) {
	eb := backoff.NewExponentialBackOff()
	if policy.Initial > 0 {
		eb.InitialInterval = policy.Initial
	}
	if policy.Max > 0 {
		eb.MaxInterval = policy.Max
	}
	eb.MaxElapsedTime = 0

	maxRetries := policy.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxRetries)), ctx)

	attempts := 0
	err := backoff.RetryNotify(func() error {
		attempts++
		if err := op(ctx); err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}, b, func(err error, wait time.Duration) {
		logger.Warn("downstream_retry",
			"operation", operation,
			"attempt", attempts,
			"wait_ms", wait.Milliseconds(),
			"error", err.Error(),
		)
	})
	return attempts, err
}
