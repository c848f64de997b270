// Package retry provides the exponential backoff schedule used for dead-letter retries.
package retry

import (
	"math"
	"math/rand"
	"time"
)

// Config defines the backoff schedule.
type Config struct {
	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay" validate:"gt=0"`

	// MaxDelay caps every computed delay
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay" validate:"gt=0"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"gte=1"`

	// Jitter adds up to 20% on top of the computed delay. Jitter never shortens a
	// delay and never reaches the next attempt's base delay, so the schedule stays
	// non-decreasing.
	Jitter bool `yaml:"jitter" json:"jitter"`
}

// DefaultConfig returns the 1s, 2s, 4s, 8s ... 30s schedule.
func DefaultConfig() Config {
	return Config{
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       false,
	}
}

// Backoff computes retry delays for a schedule.
type Backoff struct {
	config Config
	rand   func() float64
}

// New creates a Backoff, applying defaults for zero values.
func New(config Config) *Backoff {
	if config.InitialDelay <= 0 {
		config.InitialDelay = 1 * time.Second
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.Multiplier < 1 {
		config.Multiplier = 2.0
	}

	return &Backoff{config: config, rand: rand.Float64}
}

// Config returns the effective schedule.
func (b *Backoff) Config() Config {
	return b.config
}

// Delay returns the wait before retry number attempt (1-based): initialDelay *
// multiplier^(attempt-1), capped at MaxDelay. The sequence is monotonically
// non-decreasing.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := b.base(attempt)
	if b.config.Jitter {
		spread := math.Min(delay*0.2, b.base(attempt+1)-delay)
		delay += spread * b.rand()
	}

	return time.Duration(delay)
}

func (b *Backoff) base(attempt int) float64 {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(attempt-1))
	if math.IsInf(delay, 0) || delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}
	return delay
}

// Schedule returns the first n delays, mostly useful for logging the effective config.
func (b *Backoff) Schedule(n int) []time.Duration {
	out := make([]time.Duration, 0, n)
	for i := 1; i <= n; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}
