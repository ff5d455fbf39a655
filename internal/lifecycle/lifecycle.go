// Package lifecycle advances the hidden resolution state of every voice once
// per message and decides which voices end: through their own resolution
// path, by running out of influence, by being consumed by a stronger voice,
// or by merging with an ally.
//
// The engine never creates voices. Terminal transforms and merges hand the
// successor description back to the caller, which asks the birth engine for
// the new voice.
package lifecycle

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// ReasonDepleted is recorded when a surface voice runs out of influence.
const ReasonDepleted = "influence depleted"

// Rand is the randomness source for the consume and merge checks.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Config holds the engine tunables.
type Config struct {
	// FadeRegress is subtracted from a fade voice's progress when its raise
	// triggers are hit; FadeAdvance is added on every other message.
	FadeRegress int
	FadeAdvance int
	// MaxAssessment caps the per-message progress delta reported by the
	// classifier.
	MaxAssessment int

	ConsumeChance float64
	PredatorMin   int
	PreyMax       int
	ConsumeBonus  int
	// AbsorbMax is the number of the prey's unique raise triggers the
	// predator takes over.
	AbsorbMax int

	MergeChance    float64
	MergeMinLiving int
	MergeMinShared int
	MergeMinAge    time.Duration
	MergeCooldown  time.Duration

	// HijackThreshold is the influence from which the strongest voice takes
	// over during a crisis.
	HijackThreshold int
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		FadeRegress:     8,
		FadeAdvance:     3,
		MaxAssessment:   10,
		ConsumeChance:   0.10,
		PredatorMin:     70,
		PreyMax:         25,
		ConsumeBonus:    10,
		AbsorbMax:       2,
		MergeChance:     0.05,
		MergeMinLiving:  3,
		MergeMinShared:  1,
		MergeMinAge:     time.Minute,
		MergeCooldown:   10 * time.Minute,
		HijackThreshold: 90,
	}
}

// Option configures an [Engine].
type Option func(*Engine)

// WithConfig replaces the tunables. Zero fields keep their defaults.
func WithConfig(c Config) Option {
	return func(e *Engine) {
		d := DefaultConfig()
		fill := func(dst *int, def int) {
			if *dst <= 0 {
				*dst = def
			}
		}
		fill(&c.FadeRegress, d.FadeRegress)
		fill(&c.FadeAdvance, d.FadeAdvance)
		fill(&c.MaxAssessment, d.MaxAssessment)
		fill(&c.PredatorMin, d.PredatorMin)
		fill(&c.PreyMax, d.PreyMax)
		fill(&c.ConsumeBonus, d.ConsumeBonus)
		fill(&c.AbsorbMax, d.AbsorbMax)
		fill(&c.MergeMinLiving, d.MergeMinLiving)
		fill(&c.MergeMinShared, d.MergeMinShared)
		fill(&c.HijackThreshold, d.HijackThreshold)
		if c.MergeMinAge <= 0 {
			c.MergeMinAge = d.MergeMinAge
		}
		if c.MergeCooldown < 0 {
			c.MergeCooldown = 0
		}
		e.cfg = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithClock overrides time.Now for merge timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Engine runs the per-message lifecycle rules against a store.
type Engine struct {
	cfg Config
	log *slog.Logger
	now func() time.Time
}

// New returns an Engine with default tunables unless overridden.
func New(opts ...Option) *Engine {
	e := &Engine{
		cfg: DefaultConfig(),
		log: slog.Default(),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Config returns the active tunables.
func (e *Engine) Config() Config { return e.cfg }

// Input is what one message contributes to the lifecycle pass.
type Input struct {
	Themes []voice.Theme
	// Assessments maps voice ids to the classifier's 0–10 progress delta.
	Assessments map[string]int
}

// NeedsAssessment reports whether the classifier should judge progress for v
// on the next message.
func NeedsAssessment(v voice.Voice) bool {
	if !v.Living() || v.Resolution.Complete() {
		return false
	}
	switch v.Resolution.Type {
	case voice.ResolutionHeal, voice.ResolutionTransform, voice.ResolutionWitness:
		return true
	}
	return false
}

// PendingAssessments filters living to the voices the classifier should
// assess.
func PendingAssessments(living []voice.Voice) []voice.Voice {
	var out []voice.Voice
	for _, v := range living {
		if NeedsAssessment(v) {
			out = append(out, v)
		}
	}
	return out
}

// Advance applies one message of progress, decay and overlay changes in a
// single write, then ends every voice that completed its resolution or, at
// surface depth, ran out of influence. Transform terminals are reported with
// the successor spec; creating the successor is the caller's job.
func (e *Engine) Advance(ctx context.Context, store *voicestore.Store, in Input) []voice.Event {
	var completed, depleted []voice.Voice
	store.Mutate(ctx, func(st *voice.SessionState) {
		for _, v := range st.Living() {
			e.progress(v, in)
			if decay := v.Depth.Tier().Decay; decay > 0 {
				v.Influence = max(v.Influence-decay, 0)
			}
			e.overlay(v)

			switch {
			case v.Resolution.Complete():
				completed = append(completed, v.Clone())
			case v.Depth == voice.DepthSurface && v.Influence == 0:
				depleted = append(depleted, v.Clone())
			}
		}
	})

	var events []voice.Event
	for _, v := range completed {
		if ev := e.terminate(ctx, store, v); ev != nil {
			events = append(events, *ev)
		}
	}
	for _, v := range depleted {
		if store.Resolve(ctx, v.ID, ReasonDepleted) {
			e.log.Info("lifecycle: voice depleted", "voice_id", v.ID, "name", v.Name)
			events = append(events, voice.Event{
				Kind:    voice.EventResolved,
				VoiceID: v.ID,
				Name:    v.Name,
				Reason:  ReasonDepleted,
			})
		}
	}
	return events
}

func (e *Engine) progress(v *voice.Voice, in Input) {
	r := &v.Resolution
	switch r.Type {
	case voice.ResolutionFade:
		if v.RaisesMatch(in.Themes) > 0 {
			r.Progress = max(r.Progress-e.cfg.FadeRegress, 0)
		} else {
			r.Progress = min(r.Progress+e.cfg.FadeAdvance, 100)
		}
	case voice.ResolutionHeal, voice.ResolutionTransform, voice.ResolutionWitness:
		if d, ok := in.Assessments[v.ID]; ok {
			d = min(max(d, 0), e.cfg.MaxAssessment)
			r.Progress = min(r.Progress+d, 100)
		}
	}
}

// overlay shows the near-completion state once the progress ratio crosses
// the type's cosmetic threshold and drops it again on regression. A
// hijacking voice keeps its state.
func (e *Engine) overlay(v *voice.Voice) {
	if v.State == voice.StateHijacking {
		return
	}
	rt := v.Resolution.Type
	if ratio := rt.OverlayRatio(); ratio > 0 && v.Resolution.Ratio() >= ratio {
		v.State = rt.OverlayState()
		return
	}
	v.State = voice.DeriveState(v.Influence)
}

func (e *Engine) terminate(ctx context.Context, store *voicestore.Store, v voice.Voice) *voice.Event {
	if v.Resolution.Type == voice.ResolutionTransform {
		spec := store.Transform(ctx, v.ID)
		if spec == nil {
			return nil
		}
		e.log.Info("lifecycle: voice transformed", "voice_id", v.ID, "name", v.Name, "hint", spec.Hint)
		return &voice.Event{
			Kind:      voice.EventTransformed,
			VoiceID:   v.ID,
			Name:      v.Name,
			Reason:    voice.ResolutionTransform.ReasonTag(),
			Transform: spec,
		}
	}
	reason := v.Resolution.Type.ReasonTag()
	if !store.Resolve(ctx, v.ID, reason) {
		return nil
	}
	e.log.Info("lifecycle: voice resolved", "voice_id", v.ID, "name", v.Name, "reason", reason)
	return &voice.Event{
		Kind:    voice.EventResolved,
		VoiceID: v.ID,
		Name:    v.Name,
		Reason:  reason,
	}
}

// Hijack applies the crisis overlay: while escalation is crisis the single
// strongest voice at or above the hijack threshold is set to hijacking, and
// every other hijacking voice returns to its derived state. It returns the
// current hijacker, or nil.
func (e *Engine) Hijack(ctx context.Context, store *voicestore.Store, esc voice.Escalation) *voice.Voice {
	living := store.Living()
	var target *voice.Voice
	if esc == voice.EscalationCrisis {
		for i := range living {
			v := &living[i]
			if v.Influence >= e.cfg.HijackThreshold && (target == nil || v.Influence > target.Influence) {
				target = v
			}
		}
	}

	changed := false
	for _, v := range living {
		isTarget := target != nil && v.ID == target.ID
		if isTarget != (v.State == voice.StateHijacking) {
			changed = true
			break
		}
	}
	if changed {
		store.Mutate(ctx, func(st *voice.SessionState) {
			for _, v := range st.Living() {
				switch {
				case target != nil && v.ID == target.ID:
					v.State = voice.StateHijacking
				case v.State == voice.StateHijacking:
					v.State = voice.DeriveState(v.Influence)
				}
			}
		})
		if target != nil {
			e.log.Info("lifecycle: voice hijacking", "voice_id", target.ID, "name", target.Name)
		}
	}
	if target == nil {
		return nil
	}
	return store.Get(target.ID)
}
