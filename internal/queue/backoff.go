package queue

import (
	"math"
	"math/rand/v2"
	"time"
)

// BackoffConfig configures retry delays. Jitter bounds are multipliers
// applied after capping so synchronized retries spread out even at the cap.
type BackoffConfig struct {
	Base       time.Duration
	Multiplier float64
	Cap        time.Duration
	JitterLow  float64
	JitterHigh float64
}

// DefaultBackoffConfig yields roughly 5s, 30s, 3m for the first three
// retries.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		Base:       5 * time.Second,
		Multiplier: 6,
		Cap:        600 * time.Second,
		JitterLow:  0.8,
		JitterHigh: 1.2,
	}
}

func (c BackoffConfig) sanitized() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.Base <= 0 {
		c.Base = d.Base
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.Cap <= 0 {
		c.Cap = d.Cap
	}
	if c.JitterLow <= 0 || c.JitterHigh < c.JitterLow {
		c.JitterLow, c.JitterHigh = d.JitterLow, d.JitterHigh
	}
	return c
}

// Backoff computes retry delays. The zero value is not usable; construct
// with NewBackoff.
type Backoff struct {
	cfg       BackoffConfig
	randFloat func() float64
}

func NewBackoff(cfg BackoffConfig) *Backoff {
	return &Backoff{cfg: cfg.sanitized(), randFloat: rand.Float64}
}

// Nominal is the pre-jitter delay for a task that has already been retried
// retryCount times: base * mult^retryCount, capped.
func (b *Backoff) Nominal(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	d := float64(b.cfg.Base) * math.Pow(b.cfg.Multiplier, float64(retryCount))
	if capped := float64(b.cfg.Cap); d > capped {
		d = capped
	}
	return time.Duration(d)
}

// Delay is Nominal scaled by a uniform jitter in [JitterLow, JitterHigh].
func (b *Backoff) Delay(retryCount int) time.Duration {
	m := b.cfg.JitterLow + b.randFloat()*(b.cfg.JitterHigh-b.cfg.JitterLow)
	return time.Duration(float64(b.Nominal(retryCount)) * m)
}
