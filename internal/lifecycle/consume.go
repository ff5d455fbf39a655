package lifecycle

import (
	"context"
	"slices"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// Consume rolls the per-message consume chance and, on success, lets the
// first predator that holds a hostile opinion of a weak prey eat it. It
// returns the consume event, or nil.
func (e *Engine) Consume(ctx context.Context, store *voicestore.Store, rng Rand) *voice.Event {
	if rng.Float64() >= e.cfg.ConsumeChance {
		return nil
	}
	pred, prey := e.FindPrey(store.Living())
	if pred == nil {
		return nil
	}
	return e.consume(ctx, store, *pred, *prey)
}

// ForceConsume lets the strongest voice eat the weakest non-core voice,
// skipping chance, thresholds and opinions. The deck-full consume policy
// uses it.
func (e *Engine) ForceConsume(ctx context.Context, store *voicestore.Store) *voice.Event {
	pred, prey := store.Strongest(), store.Weakest()
	if pred == nil || prey == nil || pred.ID == prey.ID {
		return nil
	}
	return e.consume(ctx, store, *pred, *prey)
}

// FindPrey scans living for a predator (influence at or above PredatorMin)
// with hostile language about a prey (influence at or below PreyMax, not
// core). Stronger predators are tried first.
func (e *Engine) FindPrey(living []voice.Voice) (pred, prey *voice.Voice) {
	order := make([]int, 0, len(living))
	for i, v := range living {
		if v.Living() && v.Influence >= e.cfg.PredatorMin {
			order = append(order, i)
		}
	}
	slices.SortStableFunc(order, func(a, b int) int { return living[b].Influence - living[a].Influence })

	for _, pi := range order {
		p := &living[pi]
		for qi := range living {
			q := &living[qi]
			if q.ID == p.ID || !q.Living() || q.Depth == voice.DepthCore || q.Influence > e.cfg.PreyMax {
				continue
			}
			if voice.ReadTone(p.Relationships[q.ID]).Hostile {
				return p, q
			}
		}
	}
	return nil, nil
}

func (e *Engine) consume(ctx context.Context, store *voicestore.Store, pred, prey voice.Voice) *voice.Event {
	reason := "consumed by " + pred.Name
	var absorbed []voice.Theme
	ok := store.Consume(ctx, pred.ID, prey.ID, reason, func(v *voice.Voice) {
		absorbed = Absorb(v.Triggers.Raises, prey.Triggers.Raises, e.cfg.AbsorbMax)
		v.Triggers.Raises = append(v.Triggers.Raises, absorbed...)
		v.Influence = min(v.Influence+e.cfg.ConsumeBonus, 100)
	})
	if !ok {
		return nil
	}
	e.log.Info("lifecycle: voice consumed",
		"prey_id", prey.ID, "prey", prey.Name, "predator_id", pred.ID, "predator", pred.Name, "absorbed", absorbed)
	return &voice.Event{
		Kind:    voice.EventConsumed,
		VoiceID: prey.ID,
		Name:    prey.Name,
		Reason:  reason,
		Related: pred.Name,
	}
}

// Absorb returns up to n themes from prey that own does not already hold, in
// prey order.
func Absorb(own, prey []voice.Theme, n int) []voice.Theme {
	var out []voice.Theme
	for _, t := range prey {
		if len(out) >= n {
			break
		}
		if !slices.Contains(own, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}
