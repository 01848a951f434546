package connect

import (
	"context"
	"time"
)

// Signals exposes the connectivity and secure-session booleans the core
// consumes. The transport layer owns the underlying streams.
type Signals interface {
	Online() bool
	SessionEstablished() bool
}

// Readiness is the tri-state result of a readiness check, so callers can
// report an actionable cause instead of a bare false.
type Readiness int

const (
	Ready Readiness = iota
	NotConnected
	SessionNotEstablished
)

func (r Readiness) String() string {
	switch r {
	case Ready:
		return "ready"
	case NotConnected:
		return "not_connected"
	default:
		return "session_not_established"
	}
}

// DefaultPollInterval is how often the gate re-checks the signals.
const DefaultPollInterval = 500 * time.Millisecond

// ReadinessGate answers "can an authenticated, secure round trip be made
// right now" and provides a bounded wait for that condition.
type ReadinessGate struct {
	signals      Signals
	pollInterval time.Duration
}

// NewReadinessGate creates a gate over the given signals.
func NewReadinessGate(signals Signals) *ReadinessGate {
	return &ReadinessGate{
		signals:      signals,
		pollInterval: DefaultPollInterval,
	}
}

// Check returns the current readiness without waiting.
func (g *ReadinessGate) Check() Readiness {
	if !g.signals.Online() {
		return NotConnected
	}
	if !g.signals.SessionEstablished() {
		return SessionNotEstablished
	}
	return Ready
}

// AwaitReady polls the signals until both are true, the timeout elapses, or
// ctx is cancelled. The timeout is mandatory; a non-positive value degrades
// to a single immediate check. On timeout the result names the condition
// that was still missing. No side effects.
func (g *ReadinessGate) AwaitReady(ctx context.Context, timeout time.Duration) Readiness {
	if r := g.Check(); r == Ready || timeout <= 0 {
		return r
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(g.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return g.Check()
		case <-deadline.C:
			return g.Check()
		case <-ticker.C:
			if r := g.Check(); r == Ready {
				return r
			}
		}
	}
}
