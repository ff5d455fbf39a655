// Package birth creates new voices. Spontaneous births come from a single
// heavy message (event) or from a minor pattern repeated over several
// messages (accumulation); successor births replace voices that transformed
// or merged; persona seeding populates an empty session in one batch.
//
// Every path asks a [generate.Generator] for the descriptive fields of the
// voice, validates the reply with [ValidateCandidate] and inserts the result
// through the voice store, which enforces capacity and arcana uniqueness.
// When the deck is full the configured [Policy] decides whether room is made.
package birth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/MrWong99/chorus/internal/generate"
	"github.com/MrWong99/chorus/internal/lifecycle"
	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

var (
	// ErrMalformed is returned when a generated candidate cannot be parsed.
	ErrMalformed = errors.New("birth: malformed candidate")
	// ErrInvalidCandidate is returned when required fields are missing.
	ErrInvalidCandidate = errors.New("birth: invalid candidate")
	// ErrNoArcana is returned when every arcana is held by a living voice.
	ErrNoArcana = errors.New("birth: no free arcana")
)

// Sensitivity selects how readily a single message gives birth.
type Sensitivity string

const (
	// SensitivitySensitive births on significant and critical messages.
	SensitivitySensitive Sensitivity = "sensitive"
	// SensitivityNormal births on critical messages and on significant
	// messages touching at least two themes.
	SensitivityNormal Sensitivity = "normal"
	// SensitivityStrict births on critical messages only.
	SensitivityStrict Sensitivity = "strict"
)

// IsValid reports whether s is a recognised sensitivity.
func (s Sensitivity) IsValid() bool {
	switch s {
	case SensitivitySensitive, SensitivityNormal, SensitivityStrict:
		return true
	}
	return false
}

// Qualifies reports whether a message of impact touching themes is heavy
// enough for an event birth.
func (s Sensitivity) Qualifies(impact voice.Impact, themes []voice.Theme) bool {
	switch impact {
	case voice.ImpactCritical:
		return true
	case voice.ImpactSignificant:
		switch s {
		case SensitivitySensitive:
			return true
		case SensitivityStrict:
			return false
		default:
			return len(themes) >= 2
		}
	}
	return false
}

// Policy decides what happens when a birth finds the deck full.
type Policy string

const (
	// PolicyBlock refuses the birth.
	PolicyBlock Policy = "block"
	// PolicyHeal resolves the weakest non-core voice.
	PolicyHeal Policy = "heal"
	// PolicyMerge forces a merge when two voices share a trigger, otherwise
	// falls back to heal.
	PolicyMerge Policy = "merge"
	// PolicyConsume lets the strongest voice eat the weakest.
	PolicyConsume Policy = "consume"
)

// IsValid reports whether p is a recognised policy.
func (p Policy) IsValid() bool {
	switch p {
	case PolicyBlock, PolicyHeal, PolicyMerge, PolicyConsume:
		return true
	}
	return false
}

// Config holds the engine tunables.
type Config struct {
	Sensitivity Sensitivity
	Policy      Policy
	// Cooldown is the minimum time between spontaneous births.
	Cooldown time.Duration

	// AccumulationThreshold is the weighted count a theme needs, over at
	// least AccumulationMinMessages messages, for an accumulation birth.
	AccumulationThreshold   float64
	AccumulationMinMessages int
	// AccumulationDecay is subtracted from every accumulator whose theme is
	// absent from a message.
	AccumulationDecay float64
	// AccumulationWeights is the per-impact increment.
	AccumulationWeights map[voice.Impact]float64

	// Merge successors inherit min(MergeInfluenceCap, MergeInfluenceFactor
	// × summed influence) and at most MergeMaxRaises/MergeMaxLowers
	// triggers.
	MergeInfluenceCap    int
	MergeInfluenceFactor float64
	MergeMaxRaises       int
	MergeMaxLowers       int

	PersonaMin int
	PersonaMax int

	// MaxTokens bounds every generation call.
	MaxTokens int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		Sensitivity:             SensitivityNormal,
		Policy:                  PolicyBlock,
		Cooldown:                2 * time.Minute,
		AccumulationThreshold:   5,
		AccumulationMinMessages: 3,
		AccumulationDecay:       0.5,
		AccumulationWeights: map[voice.Impact]float64{
			voice.ImpactMinor:       1,
			voice.ImpactSignificant: 1.5,
			voice.ImpactCritical:    2,
		},
		MergeInfluenceCap:    80,
		MergeInfluenceFactor: 0.6,
		MergeMaxRaises:       6,
		MergeMaxLowers:       4,
		PersonaMin:           2,
		PersonaMax:           4,
		MaxTokens:            700,
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConfig replaces the tunables. Invalid enums and non-positive limits
// fall back to the defaults.
func WithConfig(c Config) Option {
	return func(e *Engine) {
		d := DefaultConfig()
		if !c.Sensitivity.IsValid() {
			c.Sensitivity = d.Sensitivity
		}
		if !c.Policy.IsValid() {
			c.Policy = d.Policy
		}
		if c.Cooldown < 0 {
			c.Cooldown = 0
		}
		if c.AccumulationThreshold <= 0 {
			c.AccumulationThreshold = d.AccumulationThreshold
		}
		if c.AccumulationMinMessages <= 0 {
			c.AccumulationMinMessages = d.AccumulationMinMessages
		}
		if c.AccumulationDecay <= 0 {
			c.AccumulationDecay = d.AccumulationDecay
		}
		if c.AccumulationWeights == nil {
			c.AccumulationWeights = d.AccumulationWeights
		}
		if c.MergeInfluenceCap <= 0 {
			c.MergeInfluenceCap = d.MergeInfluenceCap
		}
		if c.MergeInfluenceFactor <= 0 {
			c.MergeInfluenceFactor = d.MergeInfluenceFactor
		}
		if c.MergeMaxRaises <= 0 {
			c.MergeMaxRaises = d.MergeMaxRaises
		}
		if c.MergeMaxLowers <= 0 {
			c.MergeMaxLowers = d.MergeMaxLowers
		}
		if c.PersonaMin <= 0 {
			c.PersonaMin = d.PersonaMin
		}
		if c.PersonaMax < c.PersonaMin {
			c.PersonaMax = max(d.PersonaMax, c.PersonaMin)
		}
		if c.MaxTokens <= 0 {
			c.MaxTokens = d.MaxTokens
		}
		e.cfg = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides time.Now for cooldown checks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs the birth paths against a store.
type Engine struct {
	gen  generate.Generator
	life *lifecycle.Engine
	cfg  Config
	log  *slog.Logger
	now  func() time.Time
}

// New returns an Engine generating voices with gen. life is used by the
// merge and consume admission policies; nil selects a default lifecycle
// engine.
func New(gen generate.Generator, life *lifecycle.Engine, opts ...Option) *Engine {
	e := &Engine{
		gen:  gen,
		life: life,
		cfg:  DefaultConfig(),
		log:  slog.Default(),
		now:  func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	if e.life == nil {
		e.life = lifecycle.New(lifecycle.WithLogger(e.log), lifecycle.WithClock(e.now))
	}
	return e
}

// Config returns the active tunables.
func (e *Engine) Config() Config { return e.cfg }

// Outcome is the result of a birth attempt that produced a voice.
type Outcome struct {
	// Voice is the newborn as stored. It is nil when the deck-full policy
	// ended voices but the birth itself did not happen.
	Voice *voice.Voice
	// Events lists voices ended to make room, followed by the birth.
	Events []voice.Event
	// Fallback is set when the generator failed and the voice was composed
	// from its predecessors instead.
	Fallback bool
}

// CoolingDown reports whether a spontaneous birth is blocked by the global
// cooldown.
func (e *Engine) CoolingDown(store *voicestore.Store) bool {
	if e.cfg.Cooldown <= 0 {
		return false
	}
	last := store.Snapshot().LastBirthAt
	return last != nil && e.now().Sub(*last) < e.cfg.Cooldown
}

// insert makes room if needed and adds v. A nil outcome means the deck stayed
// full or the store refused the voice.
func (e *Engine) insert(ctx context.Context, store *voicestore.Store, v voice.Voice) *Outcome {
	var events []voice.Event
	if store.Full() {
		var ok bool
		events, ok = e.Admit(ctx, store)
		if !ok {
			e.log.Info("birth: deck full, birth refused", "policy", e.cfg.Policy, "name", v.Name)
			return nil
		}
		// A merge successor born during admission may have claimed the
		// candidate's arcana; Add then picks the first free one.
		if slices.Contains(store.TakenArcana(), v.ArcanaKey) {
			v.ArcanaKey = ""
		}
	}
	added := store.Add(ctx, v)
	if added == nil {
		e.log.Info("birth: store refused voice", "name", v.Name, "arcana", v.ArcanaKey)
		return nil
	}
	e.log.Info("birth: voice born",
		"voice_id", added.ID, "name", added.Name, "arcana", added.ArcanaKey,
		"depth", added.Depth, "birth_type", added.BirthType)
	events = append(events, voice.Event{
		Kind:      voice.EventBorn,
		VoiceID:   added.ID,
		Name:      added.Name,
		BirthType: added.BirthType,
	})
	return &Outcome{Voice: added, Events: events}
}

// generateCandidate runs one generation call and validates the reply.
func (e *Engine) generateCandidate(ctx context.Context, store *voicestore.Store, p prompt, depth voice.Depth) (voice.Voice, error) {
	raw, err := e.gen.Generate(ctx, p.messages(), e.cfg.MaxTokens)
	if err != nil {
		return voice.Voice{}, fmt.Errorf("birth: generate: %w", err)
	}
	c, err := ParseCandidate(raw)
	if err != nil {
		return voice.Voice{}, err
	}
	return ValidateCandidate(*c, depth, store.TakenArcana(), store.UsedDomains())
}
