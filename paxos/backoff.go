package paxos

import (
	"math"
	"time"
)

// expBackoffConfig parameterizes the proposer's retry delay.
type expBackoffConfig struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// Factor multiplies the delay after each retry.
	Factor float64

	// Jitter is the fraction of the current delay used as
	// a random window around it.
	Jitter float64
}

var defaultExpBackoffConfig = expBackoffConfig{
	InitialDelay: 10 * time.Millisecond,
	MaxDelay:     2 * time.Second,
	Factor:       2.0,
	Jitter:       0.5,
}

type expBackoff struct {
	config  expBackoffConfig
	attempt int
}

func newExpBackoff(config expBackoffConfig) *expBackoff {
	if config.Factor < 1 {
		config.Factor = defaultExpBackoffConfig.Factor
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = defaultExpBackoffConfig.InitialDelay
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	return &expBackoff{config: config}
}

// next returns the delay to wait before the next attempt.
func (b *expBackoff) next() time.Duration {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Factor, float64(b.attempt))

	f1 := float64(cryptoRandInt64RangePosOrNeg(1e6-1)) / 2e6 // in (-0.5, 0.5)
	delay += f1 * b.config.Jitter * delay

	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
		// still jitter a little, downward only.
		j := f1 * b.config.Jitter * delay / 2
		if j > 0 {
			j = -j
		}
		delay += j
	}
	if delay < 0 {
		delay = 0
	}
	b.attempt++
	return time.Duration(delay)
}

