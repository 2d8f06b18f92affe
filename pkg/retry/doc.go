// Package retry provides bounded exponential backoff.
//
// SemRelay uses it in exactly one place: establishing the bus connection at
// startup. Registry operations (bus subscribe/unsubscribe) and connection sends
// are never retried.
//
// Usage:
//
//	cfg := retry.Attempts(3)
//	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
//	    logger.Warn("bus connect failed, retrying", "attempt", attempt, "delay", delay, "error", err)
//	}
//	err := retry.Do(ctx, cfg, func() error {
//	    return client.Connect(ctx)
//	})
//
// Wrap an error with NonRetryable to stop the loop early, for example when the
// configuration itself is wrong and further attempts cannot succeed.
package retry
