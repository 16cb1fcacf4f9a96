package eventbus

import "time"

// RetryPolicy controls how handler failures are retried. MaxRetries counts
// retries after the first attempt, so MaxRetries of 3 allows 4 attempts
// total before the message is dead-lettered.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Exponential  bool
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Exponential:  true,
	}
}

// Delay returns how long to wait before retry number attempt (0-based).
// Exponential policies double the delay each retry, capped at MaxDelay;
// otherwise the delay is constant.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if !p.Exponential {
		return p.InitialDelay
	}
	delay := p.InitialDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay || delay < 0 {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
