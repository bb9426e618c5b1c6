package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alfredjeanlab/kbus/internal/model"
)

// minDelay keeps nextRetryAt strictly after the attempt that scheduled it.
const minDelay = time.Millisecond

// Backoff returns the delay before retry n (1-based): BaseDelay * 2^(n-1)
// capped at MaxDelay, spread by Jitter when set.
func Backoff(p model.RetryPolicy, n int) time.Duration {
	if n < 1 {
		n = 1
	}
	maxDelay := p.MaxDelay.Std()
	if maxDelay < p.BaseDelay.Std() {
		maxDelay = p.BaseDelay.Std()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay.Std()
	b.Multiplier = 2
	b.MaxInterval = maxDelay
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	if d > maxDelay {
		d = maxDelay
	}
	if d < minDelay {
		d = minDelay
	}
	return d
}
