// Package backoff computes retry delays for the orchestrator's retry engine.
package backoff

import (
	"math/rand"
	"time"
)

// Params are the per-route inputs to a Strategy.
type Params struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// Strategy returns the delay to wait before retry number attempt+1, where
// attempt 0 is the delay after the initial try failed.
type Strategy interface {
	Delay(attempt int, p Params) time.Duration
}

// Fixed waits Base between every attempt.
type Fixed struct{}

func (Fixed) Delay(attempt int, p Params) time.Duration {
	return capDelay(p.Base, p.Max)
}

// Exponential waits Base*Multiplier^attempt, capped at Max.
type Exponential struct{}

func (Exponential) Delay(attempt int, p Params) time.Duration {
	return exponential(attempt, p)
}

// ExponentialJitter adds up to Jitter*delay of uniform noise on top of
// Exponential, still capped at Max.
type ExponentialJitter struct {
	// Rand overrides the noise source; nil uses math/rand.
	Rand func() float64
}

func (s ExponentialJitter) Delay(attempt int, p Params) time.Duration {
	d := exponential(attempt, p)
	j := clampJitter(p.Jitter)
	if j == 0 {
		return d
	}
	extra := time.Duration(float64(d) * j * s.float())
	return capDelay(d+extra, p.Max)
}

func (s ExponentialJitter) float() float64 {
	if s.Rand != nil {
		return s.Rand()
	}
	return rand.Float64()
}

// DecorrelatedJitter picks uniformly in [Base, min(Max, Base*3^attempt)].
// See https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
type DecorrelatedJitter struct {
	Rand func() float64
}

func (s DecorrelatedJitter) Delay(attempt int, p Params) time.Duration {
	if attempt <= 0 {
		return capDelay(p.Base, p.Max)
	}
	if attempt > 10 {
		attempt = 10
	}

	base := float64(p.Base)
	upper := base * Pow(3.0, attempt)
	if p.Max > 0 && (upper > float64(p.Max) || upper < 0) {
		upper = float64(p.Max)
	}
	if upper < base {
		upper = base
	}

	r := rand.Float64
	if s.Rand != nil {
		r = s.Rand
	}
	return capDelay(time.Duration(base+r()*(upper-base)), p.Max)
}

// ByName resolves a strategy from its configuration name.
func ByName(name string) (Strategy, bool) {
	switch name {
	case "fixed":
		return Fixed{}, true
	case "exponential", "":
		return Exponential{}, true
	case "exponential-jitter":
		return ExponentialJitter{}, true
	case "decorrelated-jitter":
		return DecorrelatedJitter{}, true
	default:
		return nil, false
	}
}

func exponential(attempt int, p Params) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// 2^30 * base already overflows any sane cap.
	if attempt > 30 {
		attempt = 30
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 1
	}
	d := time.Duration(float64(p.Base) * Pow(mult, attempt))
	if d < 0 {
		return p.Max
	}
	return capDelay(d, p.Max)
}

func capDelay(d, max time.Duration) time.Duration {
	if max > 0 && d > max {
		return max
	}
	return d
}

func clampJitter(jitter float64) float64 {
	if jitter < 0 {
		return 0
	}
	if jitter > 1 {
		return 1
	}
	return jitter
}

// Pow computes base^exponent for a non-negative integer exponent.
func Pow(base float64, exponent int) float64 {
	result := 1.0
	for i := 0; i < exponent; i++ {
		result *= base
	}
	return result
}
