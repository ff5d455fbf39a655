package birth

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/chorus/internal/generate"
	"github.com/MrWong99/chorus/internal/voice"
)

// Candidate is the voice description a generator returns, before
// validation. Enum fields are free text and may be wrong.
type Candidate struct {
	Name           string   `json:"name"`
	Personality    string   `json:"personality"`
	SpeakingStyle  string   `json:"speakingStyle"`
	Obsession      string   `json:"obsession"`
	Opinion        string   `json:"opinion"`
	BlindSpot      string   `json:"blindSpot"`
	SelfAwareness  string   `json:"selfAwareness"`
	VerbalTic      string   `json:"verbalTic"`
	Arcana         string   `json:"arcana"`
	Reversed       bool     `json:"reversed"`
	MetaphorDomain string   `json:"metaphorDomain"`
	Depth          string   `json:"depth"`
	Relationship   string   `json:"relationship"`
	Raises         []string `json:"raises"`
	Lowers         []string `json:"lowers"`
	Chattiness     int      `json:"chattiness"`

	Resolution struct {
		Type           string `json:"type"`
		Condition      string `json:"condition"`
		TransformsInto *struct {
			Hint   string `json:"hint"`
			Arcana string `json:"arcana"`
			Depth  string `json:"depth"`
		} `json:"transformsInto"`
	} `json:"resolution"`
}

// ParseCandidate decodes a single candidate from a generator reply.
// Markdown fences and surrounding prose are tolerated.
func ParseCandidate(raw string) (*Candidate, error) {
	body := generate.ExtractJSON(raw)
	if !strings.HasPrefix(body, "{") {
		return nil, fmt.Errorf("%w: no JSON object in reply", ErrMalformed)
	}
	var c Candidate
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return &c, nil
}

// ParseCandidates decodes a batch reply: either a JSON array or an object
// with a "voices" array.
func ParseCandidates(raw string) ([]Candidate, error) {
	body := generate.ExtractJSON(raw)
	var list []Candidate
	switch {
	case strings.HasPrefix(body, "["):
		if err := json.Unmarshal([]byte(body), &list); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
	case strings.HasPrefix(body, "{"):
		var wrapped struct {
			Voices []Candidate `json:"voices"`
		}
		if err := json.Unmarshal([]byte(body), &wrapped); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
		}
		list = wrapped.Voices
	default:
		return nil, fmt.Errorf("%w: no JSON in reply", ErrMalformed)
	}
	return list, nil
}

// ValidateCandidate turns c into a voice ready for insertion:
//
//   - name and personality are required;
//   - depth is the given one, else the candidate's, else surface;
//   - the arcana must be valid and not in taken, otherwise the first free one
//     is assigned;
//   - the metaphor domain must be from the vocabulary and unused, otherwise
//     the first free one is assigned;
//   - triggers are filtered to the theme taxonomy;
//   - an invalid or depth-illegal resolution type becomes the depth default,
//     endure clears condition and threshold;
//   - chattiness is clamped to the depth range and influence starts at the
//     depth default.
func ValidateCandidate(c Candidate, depth voice.Depth, taken []voice.Arcana, usedDomains []string) (voice.Voice, error) {
	name := strings.TrimSpace(c.Name)
	personality := strings.TrimSpace(c.Personality)
	if name == "" || personality == "" {
		return voice.Voice{}, fmt.Errorf("%w: name and personality are required", ErrInvalidCandidate)
	}

	if !depth.IsValid() {
		depth = voice.Depth(strings.ToLower(strings.TrimSpace(c.Depth)))
		if !depth.IsValid() {
			depth = voice.DepthSurface
		}
	}

	arcana, ok := voice.ParseArcana(c.Arcana)
	if !ok || slices.Contains(taken, arcana) {
		arcana, ok = voice.FirstFreeArcana(taken)
		if !ok {
			return voice.Voice{}, ErrNoArcana
		}
	}

	domain := strings.ToLower(strings.TrimSpace(c.MetaphorDomain))
	if !voice.IsMetaphorDomain(domain) || slices.Contains(usedDomains, domain) {
		domain, _ = voice.FirstFreeDomain(usedDomains)
	}

	rel := voice.Relationship(strings.ToLower(strings.TrimSpace(c.Relationship)))
	if !rel.IsValid() {
		rel = voice.RelCurious
	}

	tier := depth.Tier()
	v := voice.Voice{
		Name:           name,
		Personality:    personality,
		SpeakingStyle:  strings.TrimSpace(c.SpeakingStyle),
		Obsession:      strings.TrimSpace(c.Obsession),
		Opinion:        strings.TrimSpace(c.Opinion),
		BlindSpot:      strings.TrimSpace(c.BlindSpot),
		SelfAwareness:  strings.TrimSpace(c.SelfAwareness),
		VerbalTic:      strings.TrimSpace(c.VerbalTic),
		ArcanaKey:      arcana,
		Reversed:       c.Reversed,
		MetaphorDomain: domain,
		Depth:          depth,
		Influence:      tier.DefaultInfluence,
		State:          voice.DeriveState(tier.DefaultInfluence),
		Relationship:   rel,
		Relationships:  map[string]string{},
		Triggers: voice.Triggers{
			Raises: voice.FilterThemes(c.Raises),
			Lowers: voice.FilterThemes(c.Lowers),
		},
		Chattiness: depth.ClampChattiness(c.Chattiness),
	}

	rt := voice.ResolutionType(strings.ToLower(strings.TrimSpace(c.Resolution.Type)))
	if !rt.IsValid() || !depth.Allows(rt) {
		rt = tier.DefaultResolution
	}
	v.Resolution = voice.Resolution{Type: rt, Threshold: rt.DefaultThreshold()}
	if rt != voice.ResolutionEndure {
		v.Resolution.Condition = strings.TrimSpace(c.Resolution.Condition)
	}
	if rt == voice.ResolutionTransform {
		spec := &voice.TransformSpec{Hint: v.Resolution.Condition}
		if t := c.Resolution.TransformsInto; t != nil {
			if h := strings.TrimSpace(t.Hint); h != "" {
				spec.Hint = h
			}
			if a, ok := voice.ParseArcana(t.Arcana); ok {
				spec.Arcana = a
			}
			if d := voice.Depth(strings.ToLower(strings.TrimSpace(t.Depth))); d.IsValid() {
				spec.Depth = d
			}
		}
		v.Resolution.TransformsInto = spec
	}
	return v, nil
}
