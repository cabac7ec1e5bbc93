package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// WaitHealthy re-probes endpoint until it reports healthy or ctx ends.
// Intervals grow exponentially from initial up to maxInterval.
func WaitHealthy(ctx context.Context, c *Client, endpoint string, timeout, initial, maxInterval time.Duration) (Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.MaxElapsedTime = 0 // bounded by ctx

	var last Result
	op := func() error {
		last = c.Health(ctx, endpoint, timeout)
		if last.Healthy() {
			return nil
		}
		return fmt.Errorf("%s: %s", last.Status, last.Error)
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		return last, fmt.Errorf("wait healthy %s: %w", endpoint, err)
	}
	return last, nil
}
