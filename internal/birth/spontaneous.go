package birth

import (
	"context"
	"maps"
	"slices"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// Signal is the classified message a spontaneous birth reacts to.
type Signal struct {
	Impact  voice.Impact
	Themes  []voice.Theme
	Summary string
	Text    string
}

// CheckEvent gives birth to a voice when sig is heavy enough for the
// configured sensitivity, the cooldown has elapsed and an arcana is free or
// can be freed by the deck-full policy. Depth follows the impact. A nil
// outcome without error means no birth; an error means the generator failed
// or returned an unusable voice. Voices ended by the policy are reported in
// the outcome even when no birth follows.
func (e *Engine) CheckEvent(ctx context.Context, store *voicestore.Store, sig Signal) (*Outcome, error) {
	if !e.cfg.Sensitivity.Qualifies(sig.Impact, sig.Themes) {
		return nil, nil
	}
	if e.CoolingDown(store) {
		e.log.Debug("birth: event birth skipped, cooling down", "impact", sig.Impact)
		return nil, nil
	}
	pre, ok := e.makeRoom(ctx, store)
	if !ok {
		return withAdmitted(pre, nil), nil
	}
	taken, used := store.TakenArcana(), store.UsedDomains()

	depth := voice.DepthForImpact(sig.Impact)
	v, err := e.generateCandidate(ctx, store, eventPrompt(sig.Impact, sig.Themes, sig.Summary, sig.Text, depth, taken, used), depth)
	if err != nil {
		return withAdmitted(pre, nil), err
	}
	v.BirthType = voice.BirthEvent
	if len(v.Triggers.Raises) == 0 {
		v.Triggers.Raises = slices.Clone(sig.Themes)
	}
	return withAdmitted(pre, e.insert(ctx, store, v)), nil
}

// UpdateAccumulators adds the impact weight to every theme of the message
// and decays every tracked theme the message did not touch. Accumulators
// that fall to zero are dropped.
func (e *Engine) UpdateAccumulators(ctx context.Context, store *voicestore.Store, impact voice.Impact, themes []voice.Theme) {
	w := e.cfg.AccumulationWeights[impact]
	present := voice.FilterThemes(themes)
	if len(store.Accumulators()) == 0 && (w <= 0 || len(present) == 0) {
		return
	}
	store.Mutate(ctx, func(st *voice.SessionState) {
		for t, a := range st.Accumulators {
			if slices.Contains(present, t) {
				continue
			}
			a.Count -= e.cfg.AccumulationDecay
			if a.Count <= 0 {
				delete(st.Accumulators, t)
				continue
			}
			st.Accumulators[t] = a
		}
		if w <= 0 {
			return
		}
		for _, t := range present {
			a := st.Accumulators[t]
			a.Count += w
			a.Messages++
			st.Accumulators[t] = a
		}
	})
}

// CheckAccumulation looks for a theme whose accumulator crossed the count
// and message thresholds. A theme already raised by a living voice is simply
// cleared. Otherwise, cooldown and arcana permitting (see [Engine.CheckEvent]
// for full decks), a rooted voice raised by the theme is born and the
// accumulator cleared. Themes are checked in
// alphabetical order; at most one birth happens per call.
func (e *Engine) CheckAccumulation(ctx context.Context, store *voicestore.Store) (*Outcome, error) {
	acc := store.Accumulators()
	living := store.Living()
	for _, t := range slices.Sorted(maps.Keys(acc)) {
		a := acc[t]
		if a.Count < e.cfg.AccumulationThreshold || a.Messages < e.cfg.AccumulationMinMessages {
			continue
		}
		if claimed(living, t) {
			e.log.Debug("birth: accumulated theme already claimed", "theme", t)
			e.clearAccumulator(ctx, store, t)
			continue
		}
		if e.CoolingDown(store) {
			return nil, nil
		}
		pre, ok := e.makeRoom(ctx, store)
		if !ok {
			return withAdmitted(pre, nil), nil
		}
		taken, used := store.TakenArcana(), store.UsedDomains()

		v, err := e.generateCandidate(ctx, store, accumulationPrompt(t, a, taken, used), voice.DepthRooted)
		if err != nil {
			return withAdmitted(pre, nil), err
		}
		v.BirthType = voice.BirthAccumulation
		if !slices.Contains(v.Triggers.Raises, t) {
			v.Triggers.Raises = append([]voice.Theme{t}, v.Triggers.Raises...)
		}
		v.Triggers.Lowers = slices.DeleteFunc(v.Triggers.Lowers, func(x voice.Theme) bool { return x == t })

		out := e.insert(ctx, store, v)
		if out != nil {
			e.clearAccumulator(ctx, store, t)
		}
		return withAdmitted(pre, out), nil
	}
	return nil, nil
}

// makeRoom applies the deck-full policy ahead of generation when every
// arcana is taken, so the candidate is generated against the freed ones. It
// reports whether a birth can go ahead.
func (e *Engine) makeRoom(ctx context.Context, store *voicestore.Store) ([]voice.Event, bool) {
	if len(store.TakenArcana()) < voice.ArcanaCount {
		return nil, true
	}
	events, ok := e.Admit(ctx, store)
	if !ok {
		e.log.Info("birth: every arcana taken, birth refused", "policy", e.cfg.Policy)
		return events, false
	}
	return events, len(store.TakenArcana()) < voice.ArcanaCount
}

// withAdmitted puts the admission events pre in front of out. Without a
// birth the events alone are returned.
func withAdmitted(pre []voice.Event, out *Outcome) *Outcome {
	if len(pre) == 0 {
		return out
	}
	if out == nil {
		return &Outcome{Events: pre}
	}
	out.Events = append(slices.Clone(pre), out.Events...)
	return out
}

func (e *Engine) clearAccumulator(ctx context.Context, store *voicestore.Store, t voice.Theme) {
	store.Mutate(ctx, func(st *voice.SessionState) { delete(st.Accumulators, t) })
}

func claimed(living []voice.Voice, t voice.Theme) bool {
	for _, v := range living {
		if slices.Contains(v.Triggers.Raises, t) {
			return true
		}
	}
	return false
}
