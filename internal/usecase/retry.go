package usecase

import "time"

// RetryPolicy bounds how often a batch is re-queued and how long it waits.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the queue defaults in config.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseBackoff: 30 * time.Second, MaxBackoff: 30 * time.Minute}
}

// Exhausted reports whether a batch that has already been retried
// `retries` times may not run again.
func (p RetryPolicy) Exhausted(retries int) bool {
	return retries+1 >= p.MaxAttempts
}

// Backoff returns the wait before retry number retries+1.
func (p RetryPolicy) Backoff(retries int) time.Duration {
	return backoffDelay(p.BaseBackoff, p.MaxBackoff, retries)
}

// backoffDelay doubles base per attempt and caps the result at max.
func backoffDelay(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if max > 0 && d >= max {
			return max
		}
	}
	if max > 0 && d > max {
		return max
	}
	return d
}

func sleepCtx(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
