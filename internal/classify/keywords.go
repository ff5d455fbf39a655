package classify

import (
	"context"
	"strings"
	"unicode"

	"github.com/MrWong99/chorus/internal/voice"
)

// Keywords is an offline classifier for local runs and tests: a theme is
// present when its name (or a listed cue) starts a word of the message, and
// the impact grows with the number of themes found. It never assesses
// resolution progress.
type Keywords struct {
	// Cues adds extra word prefixes per theme.
	Cues map[voice.Theme][]string
}

var _ Classifier = Keywords{}

// Classify implements [Classifier].
func (k Keywords) Classify(_ context.Context, text string, _ []Candidate) (*Result, error) {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && r != '_'
	})
	found := []voice.Theme{}
	for _, t := range voice.Themes() {
		cues := append([]string{strings.ReplaceAll(string(t), "_", "")}, k.Cues[t]...)
		if hasPrefix(words, cues) {
			found = append(found, t)
		}
	}

	impact := voice.ImpactNone
	switch n := len(found); {
	case n >= 3:
		impact = voice.ImpactCritical
	case n == 2:
		impact = voice.ImpactSignificant
	case n == 1:
		impact = voice.ImpactMinor
	}
	return &Result{Impact: impact, Themes: found, Assessments: []Assessment{}}, nil
}

func hasPrefix(words, cues []string) bool {
	for _, w := range words {
		w = strings.ReplaceAll(w, "_", "")
		for _, c := range cues {
			if c != "" && strings.HasPrefix(w, c) {
				return true
			}
		}
	}
	return false
}
