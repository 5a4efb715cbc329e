package protocol

import (
	"math/rand"
	"time"
)

// RetryConfig controls automatic retries of failed worker invocations.
// Workers can change their own policy at runtime; the change is recorded
// in the oplog so replay applies it at the same point.
type RetryConfig struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	MinDelay    time.Duration `json:"min_delay" yaml:"min_delay"`
	MaxDelay    time.Duration `json:"max_delay" yaml:"max_delay"`
	Multiplier  float64       `json:"multiplier" yaml:"multiplier"`
	MaxJitter   time.Duration `json:"max_jitter" yaml:"max_jitter"`
}

// DefaultRetryConfig returns the policy workers start with.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		MinDelay:    100 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		MaxJitter:   250 * time.Millisecond,
	}
}

// Delay returns the backoff before retry attempt n (1-based): exponential
// from MinDelay, clamped to MaxDelay, plus uniform jitter in [0, MaxJitter).
func (c RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.MinDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	out := time.Duration(d)
	if out > c.MaxDelay {
		out = c.MaxDelay
	}
	return out + c.jitter()
}

func (c RetryConfig) jitter() time.Duration {
	if c.MaxJitter <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(c.MaxJitter)))
}

// Exhausted reports whether failures consecutive failed attempts have used
// up the retry budget.
func (c RetryConfig) Exhausted(failures int) bool {
	return failures >= c.MaxAttempts
}
