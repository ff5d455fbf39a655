package influence

import (
	"context"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// Drift reasons recorded on a [Change].
const (
	ReasonResonance       = "theme resonance"
	ReasonHealingAccepted = "healing accepted"
	ReasonNeglect         = "neglect"
	ReasonAdviceFollowed  = "advice followed"
	ReasonAdviceIgnored   = "advice ignored"
)

// Change is one relationship tier transition.
type Change struct {
	VoiceID string             `json:"voiceId"`
	Name    string             `json:"name"`
	From    voice.Relationship `json:"from"`
	To      voice.Relationship `json:"to"`
	Reason  string             `json:"reason"`
}

// Drift rolls passive drift: with probability DriftChance one eligible
// voice moves a single tier. Nil means nobody drifted.
func (e *Engine) Drift(living []voice.Voice, themes []voice.Theme, rng Rand) *Change {
	if rng.Float64() >= e.cfg.DriftChance {
		return nil
	}
	var candidates []Change
	for _, v := range living {
		if c, ok := e.passive(v, themes); ok {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	c := candidates[rng.IntN(len(candidates))]
	return &c
}

func (e *Engine) passive(v voice.Voice, themes []voice.Theme) (Change, bool) {
	rel := v.Relationship
	var (
		next   voice.Relationship
		ok     bool
		reason string
	)
	switch {
	case v.RaisesMatch(themes) > 0:
		if !rel.Extreme() {
			next, ok = rel.Warmer()
		}
		reason = ReasonResonance
	case v.LowersMatch(themes) > 0:
		// Hostile-leaning voices resent being healed and hold their tier.
		if rel.WarmLeaning() {
			next, ok = rel.Warmer()
		}
		reason = ReasonHealingAccepted
	case v.SilentStreak > e.cfg.NeglectAfter:
		// Neglect never warms the hostile side.
		if !rel.HostileLeaning() {
			next, ok = rel.TowardIndifferent()
		}
		reason = ReasonNeglect
	}
	if !ok || next == rel {
		return Change{}, false
	}
	return Change{VoiceID: v.ID, Name: v.Name, From: rel, To: next, Reason: reason}, true
}

// AdviceDrift compares this message's themes with the triggers of the voices
// in the last reading. A raise match without a lower match warms the voice;
// a lower match without a raise match cools it. Voices no longer living are
// skipped.
func AdviceDrift(living []voice.Voice, trace *voice.ReadingTrace, themes []voice.Theme) []Change {
	if trace == nil {
		return nil
	}
	byID := make(map[string]voice.Voice, len(living))
	for _, v := range living {
		byID[v.ID] = v
	}

	var out []Change
	seen := map[string]bool{}
	for _, rv := range trace.Voices {
		v, ok := byID[rv.VoiceID]
		if !ok || seen[rv.VoiceID] {
			continue
		}
		seen[rv.VoiceID] = true

		probe := voice.Voice{Triggers: voice.Triggers{Raises: rv.Raises, Lowers: rv.Lowers}}
		raised, lowered := probe.RaisesMatch(themes) > 0, probe.LowersMatch(themes) > 0
		var (
			next   voice.Relationship
			moved  bool
			reason string
		)
		switch {
		case raised && !lowered:
			next, moved = v.Relationship.Warmer()
			reason = ReasonAdviceFollowed
		case lowered && !raised:
			next, moved = v.Relationship.Colder()
			reason = ReasonAdviceIgnored
		}
		if moved {
			out = append(out, Change{VoiceID: v.ID, Name: v.Name, From: v.Relationship, To: next, Reason: reason})
		}
	}
	return out
}

// ApplyDrift runs passive drift and then advice drift against the store,
// committing each change through SetRelationship. The stored reading trace
// is cleared after it has been checked once.
func (e *Engine) ApplyDrift(ctx context.Context, store *voicestore.Store, themes []voice.Theme, rng Rand) []Change {
	snap := store.Snapshot()
	living := make([]voice.Voice, 0, len(snap.Voices))
	for _, v := range snap.Living() {
		living = append(living, *v)
	}

	var applied []Change
	commit := func(c Change) {
		if !store.SetRelationship(ctx, c.VoiceID, c.To) {
			return
		}
		applied = append(applied, c)
		for i := range living {
			if living[i].ID == c.VoiceID {
				living[i].Relationship = c.To
			}
		}
	}

	if c := e.Drift(living, themes, rng); c != nil {
		commit(*c)
	}
	if snap.LastReading != nil {
		for _, c := range AdviceDrift(living, snap.LastReading, themes) {
			commit(c)
		}
		store.Mutate(ctx, func(st *voice.SessionState) { st.LastReading = nil })
	}
	for _, c := range applied {
		e.log.Debug("influence: relationship drift", "session_id", store.SessionID(),
			"voice", c.Name, "from", c.From, "to", c.To, "reason", c.Reason)
	}
	return applied
}
