package resilience

import (
	"context"
	"errors"
	"fmt"
)

// ErrAllFailed is returned when every member of a [Group] failed or had an
// open breaker.
var ErrAllFailed = errors.New("resilience: all backends failed")

// Member is one backend of a [Group] and the breaker guarding it.
type Member[T any] struct {
	Name    string
	Value   T
	Breaker *Breaker
}

// Group tries a primary backend and then its fallbacks in registration
// order, skipping members whose breaker is open.
//
// Members must be registered before the group is used concurrently.
type Group[T any] struct {
	members []Member[T]
	cfg     BreakerConfig
}

// NewGroup returns a group with primary as its first member. cfg is the
// template for every member's breaker; its Name is replaced by the
// member's.
func NewGroup[T any](primary T, primaryName string, cfg BreakerConfig) *Group[T] {
	g := &Group[T]{cfg: cfg.withDefaults()}
	g.Add(primaryName, primary)
	return g
}

// Add appends a fallback tried after the members already registered.
func (g *Group[T]) Add(name string, value T) {
	cfg := g.cfg
	cfg.Name = name
	g.members = append(g.members, Member[T]{Name: name, Value: value, Breaker: NewBreaker(cfg)})
}

// Members returns the registered members in order.
func (g *Group[T]) Members() []Member[T] {
	return append([]Member[T](nil), g.members...)
}

// States maps every member name to its breaker state.
func (g *Group[T]) States() map[string]State {
	out := make(map[string]State, len(g.members))
	for _, m := range g.members {
		out[m.Name] = m.Breaker.State()
	}
	return out
}

// Available reports whether at least one member would accept a call.
func (g *Group[T]) Available() bool {
	for _, m := range g.members {
		if m.Breaker.State() != StateOpen {
			return true
		}
	}
	return false
}

// Do runs fn against each member of g until one succeeds. It stops early
// when ctx ends. A package-level function because methods cannot declare
// type parameters.
func Do[T, R any](ctx context.Context, g *Group[T], fn func(ctx context.Context, v T) (R, error)) (R, error) {
	var (
		zero    R
		lastErr error
	)
	for _, m := range g.members {
		var out R
		err := m.Breaker.Execute(ctx, func(ctx context.Context) error {
			var err error
			out, err = fn(ctx, m.Value)
			return err
		})
		if err == nil {
			return out, nil
		}
		if ctx.Err() != nil {
			return zero, err
		}
		lastErr = err
		if errors.Is(err, ErrCircuitOpen) {
			g.cfg.Logger.Debug("resilience: skipping backend, circuit open", "backend", m.Name)
			continue
		}
		g.cfg.Logger.Warn("resilience: backend failed, trying next", "backend", m.Name, "err", err)
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
