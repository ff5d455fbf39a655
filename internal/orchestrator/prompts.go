package orchestrator

import (
	"fmt"
	"strings"

	"github.com/MrWong99/chorus/internal/participation"
	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/pkg/types"
)

const speakerSystem = `You write the inner voices of one person. Each voice is a fragment of their psyche with its own personality, speaking style and metaphor domain.
Reply with one line per speaking voice in the form "Name: what they say". Keep each line under 40 words and in character.
A voice that has nothing to add may reply "Name: (silent)". Do not add narration or voices that are not listed.`

func speakerPrompt(speakers, living []voice.Voice, history []Entry, text string, esc voice.Escalation) []types.Message {
	var sys strings.Builder
	sys.WriteString(speakerSystem)
	fmt.Fprintf(&sys, "\n\nTension: %s.\n\nSpeaking voices:\n", esc)
	for _, v := range speakers {
		sys.WriteString(profile(v, living))
	}
	if len(history) > 0 {
		sys.WriteString("\nRecent exchange:\n")
		for _, e := range history {
			fmt.Fprintf(&sys, "%s: %s\n", e.Speaker, e.Text)
		}
	}
	return []types.Message{types.System(sys.String()), types.User(text)}
}

func narrationPrompt(focus voice.Voice, living []voice.Voice, text string, esc voice.Escalation) []types.Message {
	var names []string
	for _, v := range living {
		names = append(names, v.Name)
	}
	sys := fmt.Sprintf(`You narrate the inner room where a person's voices live. Tension: %s. Present: %s.
In one or two sentences of present-tense prose, describe what %s does in response to the message. No dialogue.`,
		esc, strings.Join(names, ", "), focus.Name)
	return []types.Message{types.System(sys + "\n\n" + profile(focus, living)), types.User(text)}
}

func readingPrompt(c Card, v voice.Voice, spread participation.Spread, themes []voice.Theme, text string) []types.Message {
	orientation := "upright"
	if c.Reversed {
		orientation = "reversed"
	}
	sys := fmt.Sprintf(`You are %s giving a tarot reading in a %s spread. You read the %s position: %s, %s.
Speak in character, in two or three sentences, through your metaphor domain.`,
		v.Name, spread, c.Position, c.Arcana.DisplayName(), orientation)
	user := "Read the card."
	if text != "" {
		user = fmt.Sprintf("The person just said: %q\nRead the card.", text)
	}
	if len(themes) > 0 {
		user += "\nThemes on their mind: " + joinThemes(themes)
	}
	return []types.Message{types.System(sys + "\n\n" + profile(v, nil)), types.User(user)}
}

func opinionPrompt(holder, target voice.Voice) []types.Message {
	sys := fmt.Sprintf(`You are %s, an inner voice. In one sentence, in character, say what you think of %s.
Be specific; respect, trust, resentment or mockery should be plain.`, holder.Name, target.Name)
	user := fmt.Sprintf("About %s: %s Obsession: %s.", target.Name, target.Personality, target.Obsession)
	return []types.Message{types.System(sys + "\n\n" + profile(holder, nil)), types.User(user)}
}

// profile describes v for a prompt. Opinions of other voices in living are
// included when known.
func profile(v voice.Voice, living []voice.Voice) string {
	var b strings.Builder
	fmt.Fprintf(&b, "- %s (%s", v.Name, v.ArcanaKey.DisplayName())
	if v.Reversed {
		b.WriteString(", reversed")
	}
	fmt.Fprintf(&b, ", %s, %s): %s\n", v.Depth, v.State, v.Personality)
	if v.SpeakingStyle != "" {
		fmt.Fprintf(&b, "  Style: %s\n", v.SpeakingStyle)
	}
	if v.VerbalTic != "" {
		fmt.Fprintf(&b, "  Tic: %s\n", v.VerbalTic)
	}
	if v.MetaphorDomain != "" {
		fmt.Fprintf(&b, "  Speaks in metaphors of %s.\n", v.MetaphorDomain)
	}
	if v.Obsession != "" {
		fmt.Fprintf(&b, "  Obsession: %s\n", v.Obsession)
	}
	if v.Opinion != "" {
		fmt.Fprintf(&b, "  Thinks of the user: %s\n", v.Opinion)
	}
	if v.LastCommentary != "" {
		fmt.Fprintf(&b, "  Last said: %s\n", v.LastCommentary)
	}
	for _, o := range living {
		if op := v.Relationships[o.ID]; op != "" && o.ID != v.ID {
			fmt.Fprintf(&b, "  On %s: %s\n", o.Name, op)
		}
	}
	return b.String()
}

func joinThemes(ts []voice.Theme) string {
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}
