package lifecycle

import (
	"context"
	"slices"
	"time"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// Pair is two voices selected to merge.
type Pair struct {
	A, B voice.Voice
	// Shared lists the raise triggers both voices hold.
	Shared []voice.Theme
}

// FindMerge looks for a pair of living, non-core voices sharing at least
// MergeMinShared raise triggers. The regular check rolls MergeChance and
// requires MergeMinLiving voices, an elapsed MergeCooldown, mutual ally
// language and both voices older than MergeMinAge. A forced search, used by
// the deck-full merge policy, only needs the shared triggers.
//
// Among eligible pairs the one with the most shared triggers wins, earlier
// voices first on ties.
func (e *Engine) FindMerge(store *voicestore.Store, rng Rand, now time.Time, forced bool) *Pair {
	snap := store.Snapshot()
	living := snap.Living()
	if !forced {
		if rng.Float64() >= e.cfg.MergeChance {
			return nil
		}
		if len(living) < e.cfg.MergeMinLiving {
			return nil
		}
		if snap.LastMergeAt != nil && now.Sub(*snap.LastMergeAt) < e.cfg.MergeCooldown {
			return nil
		}
	}

	var best *Pair
	for i, a := range living {
		for _, b := range living[i+1:] {
			if a.Depth == voice.DepthCore || b.Depth == voice.DepthCore {
				continue
			}
			shared := sharedRaises(a, b)
			if len(shared) < e.cfg.MergeMinShared {
				continue
			}
			if !forced && !e.mergeable(*a, *b, now) {
				continue
			}
			if best == nil || len(shared) > len(best.Shared) {
				best = &Pair{A: a.Clone(), B: b.Clone(), Shared: shared}
			}
		}
	}
	return best
}

func (e *Engine) mergeable(a, b voice.Voice, now time.Time) bool {
	if now.Sub(a.Created) < e.cfg.MergeMinAge || now.Sub(b.Created) < e.cfg.MergeMinAge {
		return false
	}
	return voice.ReadTone(a.Relationships[b.ID]).Positive() &&
		voice.ReadTone(b.Relationships[a.ID]).Positive()
}

func sharedRaises(a, b *voice.Voice) []voice.Theme {
	var out []voice.Theme
	for _, t := range a.Triggers.Raises {
		if slices.Contains(b.Triggers.Raises, t) && !slices.Contains(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// ResolveMerge ends both voices of p and stamps the merge cooldown. It
// returns one merged event per voice, or nil when the first voice could not
// be resolved. The successor is born by the caller.
func (e *Engine) ResolveMerge(ctx context.Context, store *voicestore.Store, p *Pair) []voice.Event {
	if p == nil {
		return nil
	}
	var events []voice.Event
	for _, pair := range [][2]voice.Voice{{p.A, p.B}, {p.B, p.A}} {
		v, other := pair[0], pair[1]
		reason := "merged with " + other.Name
		if !store.Resolve(ctx, v.ID, reason) {
			if len(events) == 0 {
				return nil
			}
			continue
		}
		events = append(events, voice.Event{
			Kind:    voice.EventMerged,
			VoiceID: v.ID,
			Name:    v.Name,
			Reason:  reason,
			Related: other.Name,
		})
	}
	at := e.now()
	store.Mutate(ctx, func(st *voice.SessionState) { st.LastMergeAt = &at })
	e.log.Info("lifecycle: voices merged", "a", p.A.Name, "b", p.B.Name, "shared", p.Shared)
	return events
}
