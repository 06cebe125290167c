package dispatch

import "time"

// BreakerState is the circuit breaker's tagged state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}

type BreakerConfig struct {
	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold int
	// RecoveryTimeout is how long an open circuit rejects before probing.
	RecoveryTimeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 30 * time.Second
	}
	return c
}

// breakerEvent drives the transition function.
type breakerEvent int

const (
	evCheck   breakerEvent = iota // evaluated before an attempt
	evSuccess                     // attempt concluded successfully
	evFailure                     // attempt concluded as a breaker-counted failure
)

// breakerCore is the per-destination breaker snapshot. All mutation goes
// through step so the transition logic exists exactly once.
type breakerCore struct {
	state               BreakerState
	consecutiveFailures int
	lastFailureAt       time.Time
	nextProbeAt         time.Time
	probeInFlight       bool
}

// step applies one event and reports whether a request may proceed (only
// meaningful for evCheck).
//
// Transitions:
//
//	Closed    --failures >= threshold--> Open (nextProbeAt = now + recovery)
//	Open      --check at/after nextProbeAt--> HalfOpen (one trial allowed)
//	HalfOpen  --success--> Closed (counters reset)
//	HalfOpen  --failure--> Open (nextProbeAt = now + recovery)
func (b *breakerCore) step(ev breakerEvent, now time.Time, cfg BreakerConfig) (allowed bool) {
	cfg = cfg.withDefaults()

	switch ev {
	case evCheck:
		switch b.state {
		case BreakerClosed:
			return true
		case BreakerOpen:
			if now.Before(b.nextProbeAt) {
				return false
			}
			// An open circuit past its probe time never silently stays open.
			b.state = BreakerHalfOpen
			b.probeInFlight = false
			fallthrough
		case BreakerHalfOpen:
			if b.probeInFlight {
				return false
			}
			b.probeInFlight = true
			return true
		}
		return true

	case evSuccess:
		b.state = BreakerClosed
		b.consecutiveFailures = 0
		b.probeInFlight = false
		b.lastFailureAt = time.Time{}
		b.nextProbeAt = time.Time{}
		return false

	case evFailure:
		b.lastFailureAt = now
		if b.state == BreakerHalfOpen {
			b.state = BreakerOpen
			b.nextProbeAt = now.Add(cfg.RecoveryTimeout)
			b.probeInFlight = false
			return false
		}
		b.consecutiveFailures++
		if b.state == BreakerClosed && b.consecutiveFailures >= cfg.Threshold {
			b.state = BreakerOpen
			b.nextProbeAt = now.Add(cfg.RecoveryTimeout)
		}
		return false
	}
	return false
}
