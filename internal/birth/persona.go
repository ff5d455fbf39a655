package birth

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/internal/voicestore"
)

// SeedFromPersona populates a session that has no living voices with
// PersonaMin to PersonaMax voices derived from the opaque persona sources.
// Arcana and metaphor domains are unique across the batch, and a batch whose
// voices all share one depth has its last voice moved to another tier. It
// returns nil without error when the session already has living voices.
// Nothing is added unless at least PersonaMin voices validate.
func (e *Engine) SeedFromPersona(ctx context.Context, store *voicestore.Store, sources ...string) ([]Outcome, error) {
	if store.LivingCount() > 0 {
		return nil, nil
	}
	taken, used := store.TakenArcana(), store.UsedDomains()

	p := personaPrompt(sources, e.cfg.PersonaMax, taken, used)
	raw, err := e.gen.Generate(ctx, p.messages(), e.cfg.MaxTokens*e.cfg.PersonaMax)
	if err != nil {
		return nil, fmt.Errorf("birth: generate persona: %w", err)
	}
	cands, err := ParseCandidates(raw)
	if err != nil {
		return nil, err
	}
	if len(cands) > e.cfg.PersonaMax {
		cands = cands[:e.cfg.PersonaMax]
	}

	depths := make([]voice.Depth, len(cands))
	for i, c := range cands {
		depths[i] = voice.Depth(strings.ToLower(strings.TrimSpace(c.Depth)))
		if !depths[i].IsValid() {
			depths[i] = voice.DepthSurface
		}
	}
	spreadDepths(depths)

	var batch []voice.Voice
	for i, c := range cands {
		v, err := ValidateCandidate(c, depths[i], taken, used)
		if err != nil {
			e.log.Warn("birth: persona candidate rejected", "index", i, "err", err)
			continue
		}
		v.BirthType = voice.BirthPersona
		taken = append(taken, v.ArcanaKey)
		if v.MetaphorDomain != "" {
			used = append(used, v.MetaphorDomain)
		}
		batch = append(batch, v)
	}
	if len(batch) < e.cfg.PersonaMin {
		return nil, fmt.Errorf("%w: persona produced %d usable voices, need %d", ErrInvalidCandidate, len(batch), e.cfg.PersonaMin)
	}

	var out []Outcome
	for _, v := range batch {
		added := store.Add(ctx, v)
		if added == nil {
			e.log.Info("birth: persona voice refused", "name", v.Name)
			continue
		}
		out = append(out, Outcome{
			Voice: added,
			Events: []voice.Event{{
				Kind:      voice.EventBorn,
				VoiceID:   added.ID,
				Name:      added.Name,
				BirthType: voice.BirthPersona,
			}},
		})
	}
	e.log.Info("birth: session seeded from persona", "voices", len(out))
	return out, nil
}

// spreadDepths makes sure a batch of two or more spans at least two tiers.
func spreadDepths(depths []voice.Depth) {
	if len(depths) < 2 {
		return
	}
	for _, d := range depths[1:] {
		if d != depths[0] {
			return
		}
	}
	last := len(depths) - 1
	if depths[0] == voice.DepthSurface {
		depths[last] = voice.DepthRooted
	} else {
		depths[last] = voice.DepthSurface
	}
}
