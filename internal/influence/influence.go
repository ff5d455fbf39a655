// Package influence applies per-message influence deltas and relationship
// drift to the voices of a session.
package influence

import (
	"context"
	"log/slog"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// Rand is the randomness source used for passive drift.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Config holds the engine tunables.
type Config struct {
	// GainRates maps message impact to the per-match influence gain.
	GainRates map[voice.Impact]int
	// DriftChance is the per-message probability that one voice drifts.
	DriftChance float64
	// NeglectAfter is the silent streak beyond which an untriggered voice
	// cools toward indifference.
	NeglectAfter int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		GainRates: map[voice.Impact]int{
			voice.ImpactNone:        0,
			voice.ImpactMinor:       3,
			voice.ImpactSignificant: 6,
			voice.ImpactCritical:    10,
		},
		DriftChance:  0.15,
		NeglectAfter: 10,
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConfig replaces the tunables. Missing gain rates fall back to the
// defaults.
func WithConfig(c Config) Option {
	return func(e *Engine) {
		def := DefaultConfig()
		for impact, rate := range def.GainRates {
			if _, ok := c.GainRates[impact]; !ok {
				if c.GainRates == nil {
					c.GainRates = map[voice.Impact]int{}
				}
				c.GainRates[impact] = rate
			}
		}
		e.cfg = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// Engine applies influence and relationship changes to a store.
type Engine struct {
	cfg Config
	log *slog.Logger
}

// New returns an Engine with default tunables unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{cfg: DefaultConfig(), log: slog.Default()}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the active tunables.
func (e *Engine) Config() Config { return e.cfg }

// CalculateDeltas returns, for each living voice with a non-zero change,
// +gainRate per theme matching its raises and -ceil(gainRate/2) per theme
// matching its lowers.
func CalculateDeltas(living []voice.Voice, themes []voice.Theme, gainRate int) map[string]int {
	out := make(map[string]int)
	if gainRate <= 0 {
		return out
	}
	penalty := (gainRate + 1) / 2
	for _, v := range living {
		if !v.Living() {
			continue
		}
		d := gainRate*v.RaisesMatch(themes) - penalty*v.LowersMatch(themes)
		if d != 0 {
			out[v.ID] = d
		}
	}
	return out
}

// Apply computes deltas for the impact's gain rate and commits them in one
// store write. It returns the deltas that were applied.
func (e *Engine) Apply(ctx context.Context, store *voicestore.Store, themes []voice.Theme, impact voice.Impact) map[string]int {
	deltas := CalculateDeltas(store.Living(), themes, e.cfg.GainRates[impact])
	if len(deltas) == 0 {
		return deltas
	}
	n := store.AdjustInfluences(ctx, deltas)
	e.log.Debug("influence: applied deltas", "session_id", store.SessionID(), "impact", impact, "voices", n)
	return deltas
}
