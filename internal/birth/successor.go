package birth

import (
	"context"
	"slices"
	"strings"

	"github.com/MrWong99/chorus/internal/lifecycle"
	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// Transform creates the successor of a voice that ended with a transformed
// event. The successor takes the spec's depth and, when the generator leaves
// them empty, the predecessor's triggers. If generation fails the successor
// is composed from the spec and the predecessor record and the outcome is
// marked as a fallback. Spontaneous-birth cooldown does not apply.
func (e *Engine) Transform(ctx context.Context, store *voicestore.Store, ev voice.Event) (*Outcome, error) {
	if ev.Kind != voice.EventTransformed || ev.Transform == nil {
		return nil, nil
	}
	spec := *ev.Transform
	if !spec.Depth.IsValid() {
		spec.Depth = voice.DepthRooted
	}
	var pred voice.Voice
	if p := store.Get(ev.VoiceID); p != nil {
		pred = *p
	}

	taken, used := store.TakenArcana(), store.UsedDomains()
	fallback := false
	v, err := e.generateCandidate(ctx, store, transformPrompt(ev.Name, spec, taken, used), spec.Depth)
	if err != nil {
		e.log.Warn("birth: transform generation failed, composing successor", "predecessor", ev.Name, "err", err)
		fallback = true
		c := Candidate{
			Name:           ev.Name + " Reborn",
			Personality:    spec.Hint,
			SpeakingStyle:  pred.SpeakingStyle,
			Obsession:      spec.Hint,
			Arcana:         string(spec.Arcana),
			MetaphorDomain: pred.MetaphorDomain,
		}
		if c.Personality == "" {
			c.Personality = pred.Personality
		}
		if v, err = ValidateCandidate(c, spec.Depth, taken, used); err != nil {
			return nil, err
		}
	}
	if len(v.Triggers.Raises) == 0 && len(v.Triggers.Lowers) == 0 {
		v.Triggers = voice.Triggers{Raises: slices.Clone(pred.Triggers.Raises), Lowers: slices.Clone(pred.Triggers.Lowers)}
	}
	v.BirthType = voice.BirthTransform

	out := e.insert(ctx, store, v)
	if out != nil {
		out.Fallback = fallback
	}
	return out, nil
}

// Merge creates the successor of a merged pair. Descriptive fields come from
// the generator or, if it fails, are composed from both sources. Triggers
// are the deduplicated union of both sets capped at MergeMaxRaises and
// MergeMaxLowers, influence is min(MergeInfluenceCap, MergeInfluenceFactor
// × sum) and depth is the deeper of the two.
func (e *Engine) Merge(ctx context.Context, store *voicestore.Store, p *lifecycle.Pair) (*Outcome, error) {
	if p == nil {
		return nil, nil
	}
	depth := voice.DepthSurface
	if p.A.Depth == voice.DepthRooted || p.B.Depth == voice.DepthRooted {
		depth = voice.DepthRooted
	}

	taken, used := store.TakenArcana(), store.UsedDomains()
	fallback := false
	v, err := e.generateCandidate(ctx, store, mergePrompt(p.A, p.B, depth, taken, used), depth)
	if err != nil {
		e.log.Warn("birth: merge generation failed, composing successor", "a", p.A.Name, "b", p.B.Name, "err", err)
		fallback = true
		if v, err = ValidateCandidate(composite(p.A, p.B), depth, taken, used); err != nil {
			return nil, err
		}
	}

	raises, lowers := MergeTriggers(p.A.Triggers, p.B.Triggers, e.cfg.MergeMaxRaises, e.cfg.MergeMaxLowers)
	v.Triggers = voice.Triggers{Raises: raises, Lowers: lowers}
	v.Influence = MergeInfluence(p.A.Influence, p.B.Influence, e.cfg.MergeInfluenceFactor, e.cfg.MergeInfluenceCap)
	v.State = voice.DeriveState(v.Influence)
	v.BirthType = voice.BirthMerge

	out := e.insert(ctx, store, v)
	if out != nil {
		out.Fallback = fallback
	}
	return out, nil
}

// MergeTriggers returns the deduplicated union of both trigger sets, raises
// capped at maxRaises and lowers at maxLowers. A theme raised by either
// source is never kept as a lower.
func MergeTriggers(a, b voice.Triggers, maxRaises, maxLowers int) (raises, lowers []voice.Theme) {
	raises = voice.FilterThemes(slices.Concat(a.Raises, b.Raises))
	if len(raises) > maxRaises {
		raises = raises[:maxRaises]
	}
	lowers = voice.FilterThemes(slices.Concat(a.Lowers, b.Lowers))
	lowers = slices.DeleteFunc(lowers, func(t voice.Theme) bool {
		return slices.Contains(a.Raises, t) || slices.Contains(b.Raises, t)
	})
	if len(lowers) > maxLowers {
		lowers = lowers[:maxLowers]
	}
	return raises, lowers
}

// MergeInfluence is min(limit, factor × (a+b)), truncated.
func MergeInfluence(a, b int, factor float64, limit int) int {
	return min(limit, int(factor*float64(a+b)))
}

func composite(a, b voice.Voice) Candidate {
	join := func(x, y, sep string) string {
		x, y = strings.TrimSpace(x), strings.TrimSpace(y)
		switch {
		case x == "":
			return y
		case y == "":
			return x
		}
		return x + sep + y
	}
	personality := join(a.Personality, b.Personality, " ")
	if personality == "" {
		personality = "Born from " + a.Name + " and " + b.Name + "."
	}
	return Candidate{
		Name:           a.Name + " & " + b.Name,
		Personality:    personality,
		SpeakingStyle:  join(a.SpeakingStyle, b.SpeakingStyle, "; "),
		Obsession:      join(a.Obsession, b.Obsession, "; "),
		Opinion:        join(a.Opinion, b.Opinion, " "),
		BlindSpot:      a.BlindSpot,
		SelfAwareness:  b.SelfAwareness,
		VerbalTic:      a.VerbalTic,
		Arcana:         string(a.ArcanaKey),
		Reversed:       a.Reversed && b.Reversed,
		MetaphorDomain: a.MetaphorDomain,
	}
}
