package ingest

import (
	"time"
)

// BackoffConfig bounds the retry state machine for provider fetches.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Budget       time.Duration `yaml:"budget"`
}

func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     8 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  4,
		Budget:       30 * time.Second,
	}
}

// Backoff tracks retry state for a single fetch: attempt count, the
// delay before the next try, and a wall-clock deadline after which no
// further attempts are made regardless of attempts remaining.
type Backoff struct {
	cfg      BackoffConfig
	attempt  int
	next     time.Duration
	deadline time.Time
}

func NewBackoff(cfg BackoffConfig, now time.Time) *Backoff {
	return &Backoff{
		cfg:      cfg,
		next:     cfg.InitialDelay,
		deadline: now.Add(cfg.Budget),
	}
}

// Attempt returns the number of attempts consumed so far.
func (b *Backoff) Attempt() int { return b.attempt }

// NextDelay returns the delay that would precede the next attempt.
func (b *Backoff) NextDelay() time.Duration { return b.next }

// Exhausted reports whether the retry budget is spent, either by
// attempt count or by deadline.
func (b *Backoff) Exhausted(now time.Time) bool {
	return b.attempt >= b.cfg.MaxAttempts || now.After(b.deadline)
}

// Advance consumes one attempt and returns the delay to wait before it.
// The returned delay for the first attempt is zero; subsequent attempts
// grow geometrically up to MaxDelay.
func (b *Backoff) Advance() time.Duration {
	if b.attempt == 0 {
		b.attempt++
		return 0
	}
	d := b.next
	b.next = time.Duration(float64(b.next) * b.cfg.Multiplier)
	if b.next > b.cfg.MaxDelay {
		b.next = b.cfg.MaxDelay
	}
	b.attempt++
	return d
}
