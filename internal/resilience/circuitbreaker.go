// Package resilience guards the engines' external collaborators, the
// classifier and text generator backends.
//
// [Breaker] is a three-state circuit breaker (closed, open, half-open) that
// stops a failing backend from adding its full timeout to every message.
// [Group] chains several backends of the same kind, each behind its own
// breaker, and tries them in order. Context cancellation never counts as a
// backend failure: a user who abandons a message must not trip the breaker
// for everyone else.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [Breaker.Execute] while the breaker rejects
// calls.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota
	// StateOpen rejects calls until ResetTimeout has elapsed.
	StateOpen
	// StateHalfOpen lets up to HalfOpenMax probe calls through.
	StateHalfOpen
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds the tunables of a [Breaker].
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive failures that open the
	// breaker. Default: 5.
	MaxFailures int

	// ResetTimeout is how long the breaker stays open before probing.
	// Default: 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the number of successful probes needed to close again.
	// Default: 3.
	HalfOpenMax int

	// OnStateChange, if set, is called after every transition, outside the
	// breaker's lock.
	OnStateChange func(name string, from, to State)

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Now overrides time.Now.
	Now func() time.Time
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 3
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg BreakerConfig

	mu              sync.Mutex
	state           State
	consecutiveFail int
	openedAt        time.Time
	probes          int
	probeOK         int
}

// NewBreaker returns a closed breaker. Zero config fields take defaults.
func NewBreaker(cfg BreakerConfig) *Breaker {
	return &Breaker{cfg: cfg.withDefaults(), state: StateClosed}
}

// Name returns the configured name.
func (b *Breaker) Name() string { return b.cfg.Name }

// Execute runs fn unless the breaker rejects the call. A done ctx is
// returned before fn runs, and an fn error caused by ctx ending is passed
// through without being counted.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()
	var tr *transition
	if b.state == StateOpen {
		if b.cfg.Now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			b.mu.Unlock()
			return ErrCircuitOpen
		}
		tr = b.setState(StateHalfOpen)
		b.probes, b.probeOK = 0, 0
	}
	probe := b.state == StateHalfOpen
	if probe {
		if b.probes >= b.cfg.HalfOpenMax {
			b.mu.Unlock()
			b.notify(tr)
			return ErrCircuitOpen
		}
		b.probes++
	}
	b.mu.Unlock()
	b.notify(tr)

	err := fn(ctx)

	b.mu.Lock()
	switch {
	case err != nil && ctx.Err() != nil:
		// Abandoned by the caller; give the probe slot back.
		if probe && b.state == StateHalfOpen {
			b.probes--
		}
		tr = nil
	case err != nil:
		tr = b.recordFailure(probe)
	default:
		tr = b.recordSuccess(probe)
	}
	b.mu.Unlock()
	b.notify(tr)
	return err
}

type transition struct{ from, to State }

// setState must be called with b.mu held.
func (b *Breaker) setState(s State) *transition {
	if s == b.state {
		return nil
	}
	tr := &transition{from: b.state, to: s}
	b.state = s
	return tr
}

// recordFailure must be called with b.mu held.
func (b *Breaker) recordFailure(probe bool) *transition {
	if probe {
		b.openedAt = b.cfg.Now()
		b.consecutiveFail = b.cfg.MaxFailures
		return b.setState(StateOpen)
	}
	b.consecutiveFail++
	if b.state == StateClosed && b.consecutiveFail >= b.cfg.MaxFailures {
		b.openedAt = b.cfg.Now()
		return b.setState(StateOpen)
	}
	return nil
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess(probe bool) *transition {
	if !probe {
		b.consecutiveFail = 0
		return nil
	}
	if b.state != StateHalfOpen {
		return nil
	}
	b.probeOK++
	if b.probeOK < b.cfg.HalfOpenMax {
		return nil
	}
	b.consecutiveFail, b.probes, b.probeOK = 0, 0, 0
	return b.setState(StateClosed)
}

func (b *Breaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	level := slog.LevelInfo
	if tr.to == StateOpen {
		level = slog.LevelWarn
	}
	b.cfg.Logger.Log(context.Background(), level, "resilience: breaker state changed",
		"name", b.cfg.Name, "from", tr.from, "to", tr.to)
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, tr.from, tr.to)
	}
}

// State returns the current state. An open breaker whose reset timeout has
// elapsed reports half-open; the transition itself happens on the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.cfg.Now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset forces the breaker closed and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	tr := b.setState(StateClosed)
	b.consecutiveFail, b.probes, b.probeOK = 0, 0, 0
	b.mu.Unlock()
	b.notify(tr)
}
