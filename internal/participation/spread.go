package participation

import (
	"slices"

	"github.com/MrWong99/chorus/internal/voice"
)

// Spread is a card layout.
type Spread string

const (
	SpreadSingle Spread = "single"
	SpreadThree  Spread = "three"
	SpreadFive   Spread = "five"
)

// Position is one slot of a spread.
type Position string

const (
	PositionCard      Position = "card"
	PositionPast      Position = "past"
	PositionPresent   Position = "present"
	PositionFuture    Position = "future"
	PositionSituation Position = "situation"
	PositionChallenge Position = "challenge"
	PositionRoot      Position = "root"
	PositionAdvice    Position = "advice"
	PositionOutcome   Position = "outcome"
)

// IsValid reports whether s is a known spread.
func (s Spread) IsValid() bool {
	switch s {
	case SpreadSingle, SpreadThree, SpreadFive:
		return true
	}
	return false
}

// Positions lists the slots of s in reading order.
func (s Spread) Positions() []Position {
	switch s {
	case SpreadThree:
		return []Position{PositionPast, PositionPresent, PositionFuture}
	case SpreadFive:
		return []Position{PositionSituation, PositionChallenge, PositionRoot, PositionAdvice, PositionOutcome}
	case SpreadSingle:
		return []Position{PositionCard}
	}
	return nil
}

// Rank orders spreads by size; unknown spreads rank -1.
func (s Spread) Rank() int {
	switch s {
	case SpreadSingle:
		return 0
	case SpreadThree:
		return 1
	case SpreadFive:
		return 2
	}
	return -1
}

const (
	affinityBonus = 0.30
	reusePenalty  = -0.15
)

// affinity lists the positions each relationship tier gravitates to.
var affinity = map[voice.Relationship][]Position{
	voice.RelHostile:     {PositionChallenge},
	voice.RelResentful:   {PositionChallenge, PositionPast},
	voice.RelIndifferent: {PositionSituation},
	voice.RelCurious:     {PositionFuture, PositionSituation},
	voice.RelWarm:        {PositionPresent, PositionOutcome},
	voice.RelDevoted:     {PositionAdvice},
	voice.RelProtective:  {PositionAdvice, PositionCard},
	voice.RelObsessed:    {PositionRoot},
	voice.RelManic:       {PositionOutcome, PositionCard},
	voice.RelGrieving:    {PositionPast, PositionRoot},
}

// Assignment binds a voice to a spread position.
type Assignment struct {
	Position Position    `json:"position"`
	Voice    voice.Voice `json:"voice"`
}

// SelectForSpread assigns a voice to every position. Voices already used
// carry a reuse penalty but may be picked again when nobody fresh scores
// higher. Empty living yields nil.
func SelectForSpread(living []voice.Voice, positions []Position, themes []voice.Theme, rng Rand) []Assignment {
	if len(living) == 0 {
		return nil
	}
	used := make(map[string]bool, len(living))
	out := make([]Assignment, 0, len(positions))
	for _, pos := range positions {
		best, bestScore := -1, 0.0
		for i, v := range living {
			s := Relevance(v, themes) + float64(v.Influence)/200 + Jitter(rng, jitter)
			if slices.Contains(affinity[v.Relationship], pos) {
				s += affinityBonus
			}
			if used[v.ID] {
				s += reusePenalty
			}
			if best < 0 || s > bestScore {
				best, bestScore = i, s
			}
		}
		v := living[best]
		used[v.ID] = true
		out = append(out, Assignment{Position: pos, Voice: v.Clone()})
	}
	return out
}
