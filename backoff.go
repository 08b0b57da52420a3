package pricewatch

import (
	"math"
	"time"
)

// ExponentialBackoffStrategy doubles the delay on each attempt up to MaxDelay.
type ExponentialBackoffStrategy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	now       func() time.Time
}

// DefaultBackoffStrategy starts at five seconds and caps at five minutes.
func DefaultBackoffStrategy() *ExponentialBackoffStrategy {
	return NewExponentialBackoffStrategy(defaultBaseDelay, defaultMaxDelay)
}

// NewExponentialBackoffStrategy doubles the delay per attempt, starting at base and capped at max.
func NewExponentialBackoffStrategy(base, max time.Duration) *ExponentialBackoffStrategy {
	return &ExponentialBackoffStrategy{BaseDelay: base, MaxDelay: max, now: time.Now}
}

func (s *ExponentialBackoffStrategy) CalculateNextAttempt(attempt int) time.Time {
	return s.now().UTC().Add(s.delay(attempt))
}

func (s *ExponentialBackoffStrategy) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(s.BaseDelay) * math.Pow(2, float64(attempt-1))
	if d > float64(s.MaxDelay) || math.IsInf(d, 0) {
		return s.MaxDelay
	}
	return time.Duration(d)
}

// FixedBackoffStrategy always waits the same delay.
type FixedBackoffStrategy struct {
	Delay time.Duration
}

// NewFixedBackoffStrategy waits delay between attempts.
func NewFixedBackoffStrategy(delay time.Duration) *FixedBackoffStrategy {
	return &FixedBackoffStrategy{Delay: delay}
}

func (s *FixedBackoffStrategy) CalculateNextAttempt(int) time.Time {
	return time.Now().UTC().Add(s.Delay)
}
