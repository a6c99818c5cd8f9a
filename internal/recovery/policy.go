// Package recovery converts transient failures into bounded retry
// sequences and guards persistently failing targets behind circuit
// breakers.
package recovery

import (
	"math"
	"time"

	"github.com/officesync/office-sync/internal/config"
)

// PolicyKind selects how retry delays grow between attempts.
type PolicyKind int

const (
	// PolicyImmediate retries with no delay.
	PolicyImmediate PolicyKind = iota
	// PolicyLinear grows the delay by initialDelay each attempt.
	PolicyLinear
	// PolicyExponential multiplies the delay each attempt, capped at
	// maxDelay.
	PolicyExponential
)

// Policy computes the delay before each retry attempt.
type Policy struct {
	kind       PolicyKind
	initial    time.Duration
	max        time.Duration
	multiplier float64
}

// NewPolicy builds a Policy from configuration. Unknown policy names
// fall back to exponential.
func NewPolicy(cfg config.RecoveryConfig) *Policy {
	kind := PolicyExponential
	switch cfg.Policy {
	case "immediate":
		kind = PolicyImmediate
	case "linear":
		kind = PolicyLinear
	}

	initial := cfg.InitialDelay
	if initial <= 0 {
		initial = time.Second
	}
	max := cfg.MaxDelay
	if max <= 0 {
		max = 30 * time.Second
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}

	return &Policy{
		kind:       kind,
		initial:    initial,
		max:        max,
		multiplier: multiplier,
	}
}

// Delay returns the wait before attempt n (zero-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	switch p.kind {
	case PolicyImmediate:
		return 0

	case PolicyLinear:
		d := p.initial * time.Duration(attempt+1)
		if d > p.max {
			return p.max
		}
		return d

	default:
		d := float64(p.initial) * math.Pow(p.multiplier, float64(attempt))
		if d > float64(p.max) {
			return p.max
		}
		return time.Duration(d)
	}
}
