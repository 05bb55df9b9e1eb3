package scheduler

import (
	"fmt"
	"time"
)

// Policy controls debounce and retry timing.
type Policy struct {
	// Debounce is the quiet period after the last edit before a save starts.
	Debounce time.Duration

	// MaxAttempts is the number of attempts per save, first try included.
	MaxAttempts int

	// BackoffBase is the delay after the first failed attempt. Each further
	// failure doubles it, up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultPolicy returns the editor's standard timing: 1.5s debounce and
// three attempts with 1s, 2s backoff.
func DefaultPolicy() Policy {
	return Policy{
		Debounce:    1500 * time.Millisecond,
		MaxAttempts: 3,
		BackoffBase: time.Second,
		BackoffMax:  30 * time.Second,
	}
}

// Validate checks the policy for values that would stall or spin.
func (p Policy) Validate() error {
	if p.Debounce < 0 {
		return fmt.Errorf("debounce must not be negative, got %s", p.Debounce)
	}
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts)
	}
	if p.BackoffBase < 0 || p.BackoffMax < 0 {
		return fmt.Errorf("backoff must not be negative")
	}
	if p.BackoffMax < p.BackoffBase {
		return fmt.Errorf("backoff max %s is below base %s", p.BackoffMax, p.BackoffBase)
	}
	return nil
}

// Backoff returns the delay after failed attempt n, counting from 0:
// min(BackoffBase * 2^n, BackoffMax). The sequence never decreases.
func (p Policy) Backoff(n int) time.Duration {
	if n < 0 {
		n = 0
	}
	d := p.BackoffBase
	for i := 0; i < n; i++ {
		if d >= p.BackoffMax || d > p.BackoffMax/2 {
			return p.BackoffMax
		}
		d *= 2
	}
	if d > p.BackoffMax {
		return p.BackoffMax
	}
	return d
}
