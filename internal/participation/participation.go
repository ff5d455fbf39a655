// Package participation decides which voices speak on a message.
//
// Scoring is a pure function of a voice, the message and the other living
// voices: a sum of independent additive terms exposed through [Breakdown].
// Selection walks the voices by descending score and rolls a Bernoulli trial
// per voice, so the speaker set varies in size but is never empty while any
// voice lives.
package participation

import (
	"cmp"
	"slices"

	"github.com/MrWong99/chorus/internal/voice"
)

// Rand is the randomness source used by the engine. *rand.Rand from
// math/rand/v2 satisfies it.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

// Scoring constants.
const (
	relevancePerMatch = 0.30
	relevanceCap      = 0.60

	woundAvoidant    = -0.20
	woundAgitated    = 0.15
	woundDrawn       = 0.25
	woundFadingQuiet = -0.25
	woundEndure      = 0.10

	silencePerMessage = 0.05

	recencyLast     = -0.50
	recencyPrevious = -0.25

	socialAlly    = 0.08
	socialHostile = -0.12
	socialMockery = -0.05
	socialMin     = -0.20
	socialMax     = 0.15
	// Opinions of voices silent this long no longer exert pressure.
	socialSilenceLimit = 3

	jitter = 0.05

	minChance = 0.05
	maxChance = 0.95
)

// baseRate maps chattiness 1–5 onto the base speaking rate.
var baseRate = [...]float64{0, 0.10, 0.25, 0.40, 0.60, 0.80}

// Input is the message-dependent part of scoring.
type Input struct {
	Themes []voice.Theme
	Impact voice.Impact
}

// Breakdown holds every additive term of a participation score.
type Breakdown struct {
	Base         float64 `json:"base"`
	Influence    float64 `json:"influence"`
	Relevance    float64 `json:"relevance"`
	Wound        float64 `json:"wound"`
	Silence      float64 `json:"silence"`
	Recency      float64 `json:"recency"`
	Relationship float64 `json:"relationship"`
	Social       float64 `json:"social"`
	Floor        float64 `json:"floor"`
	Jitter       float64 `json:"jitter"`
}

// Total sums the terms.
func (b Breakdown) Total() float64 {
	return b.Base + b.Influence + b.Relevance + b.Wound + b.Silence +
		b.Recency + b.Relationship + b.Social + b.Floor + b.Jitter
}

// Score computes the participation breakdown of v. others are the other
// living voices; an entry with v's own ID is ignored.
func Score(v voice.Voice, in Input, others []voice.Voice, rng Rand) Breakdown {
	return Breakdown{
		Base:         baseRate[min(max(v.Chattiness, 1), 5)],
		Influence:    float64(v.Influence) / 200,
		Relevance:    Relevance(v, in.Themes),
		Wound:        wound(v, in.Themes),
		Silence:      silencePerMessage * float64(max(v.SilentStreak, 0)),
		Recency:      recency(v),
		Relationship: v.Relationship.ParticipationModifier(),
		Social:       social(v, others),
		Floor:        floor(v, in.Impact),
		Jitter:       Jitter(rng, jitter),
	}
}

// Relevance is +0.30 per raise trigger matched by themes, capped at +0.60.
func Relevance(v voice.Voice, themes []voice.Theme) float64 {
	return min(relevancePerMatch*float64(v.RaisesMatch(themes)), relevanceCap)
}

// Jitter returns a uniform value in [-width, +width).
func Jitter(rng Rand, width float64) float64 {
	return (rng.Float64()*2 - 1) * width
}

func wound(v voice.Voice, themes []voice.Theme) float64 {
	if v.LowersMatch(themes) == 0 {
		return 0
	}
	if v.Endures() {
		return woundEndure
	}
	ratio := v.Resolution.Ratio()
	switch {
	case v.Resolution.Type == voice.ResolutionFade && ratio > 0.6:
		return woundFadingQuiet
	case ratio < 0.3:
		return woundAvoidant
	case ratio <= 0.6:
		return woundAgitated
	default:
		return woundDrawn
	}
}

// recency only penalises voices that have spoken at all; a fresh voice has a
// zero silent streak without having said anything.
func recency(v voice.Voice) float64 {
	if v.LastSpoke == nil {
		return 0
	}
	switch v.SilentStreak {
	case 0:
		return recencyLast
	case 1:
		return recencyPrevious
	}
	return 0
}

func social(v voice.Voice, others []voice.Voice) float64 {
	var sum float64
	for _, o := range others {
		if o.ID == v.ID || o.SilentStreak >= socialSilenceLimit {
			continue
		}
		opinion, ok := o.Relationships[v.ID]
		if !ok {
			continue
		}
		tone := voice.ReadTone(opinion)
		if tone.Ally {
			sum += socialAlly
		}
		if tone.Hostile {
			sum += socialHostile
		}
		if tone.Mockery {
			sum += socialMockery
		}
	}
	return min(max(sum, socialMin), socialMax)
}

func floor(v voice.Voice, impact voice.Impact) float64 {
	if impact.Rank() > voice.ImpactMinor.Rank() {
		return 0
	}
	return v.Depth.Tier().QuietFloor
}

// Scored pairs a voice with its breakdown.
type Scored struct {
	Voice     voice.Voice
	Breakdown Breakdown
}

// Rank scores every living voice and returns them by descending total. Ties
// keep input order.
func Rank(living []voice.Voice, in Input, rng Rand) []Scored {
	out := make([]Scored, len(living))
	for i, v := range living {
		out[i] = Scored{Voice: v, Breakdown: Score(v, in, living, rng)}
	}
	slices.SortStableFunc(out, func(a, b Scored) int {
		return cmp.Compare(b.Breakdown.Total(), a.Breakdown.Total())
	})
	return out
}

// Roll selects up to maxSpeakers voices. The result is non-empty whenever
// living is; maxSpeakers below 1 is treated as 1.
func Roll(living []voice.Voice, in Input, maxSpeakers int, rng Rand) []voice.Voice {
	if len(living) == 0 {
		return nil
	}
	maxSpeakers = max(maxSpeakers, 1)

	ranked := Rank(living, in, rng)
	var out []voice.Voice
	for _, s := range ranked {
		if len(out) == maxSpeakers {
			break
		}
		p := min(max(s.Breakdown.Total(), minChance), maxChance)
		if rng.Float64() < p {
			out = append(out, s.Voice)
		}
	}
	if len(out) == 0 {
		out = append(out, ranked[0].Voice)
	}
	return out
}

// SelectMostOpinionated picks the voice with the strongest stake in themes,
// or nil when living is empty.
func SelectMostOpinionated(living []voice.Voice, themes []voice.Theme, rng Rand) *voice.Voice {
	var best *voice.Voice
	bestScore := 0.0
	for i := range living {
		v := &living[i]
		s := 2*Relevance(*v, themes) + float64(v.Influence)/100 +
			0.05*float64(v.Chattiness) + Jitter(rng, jitter)
		if best == nil || s > bestScore {
			best, bestScore = v, s
		}
	}
	if best == nil {
		return nil
	}
	c := best.Clone()
	return &c
}
