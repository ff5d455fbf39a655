package birth

import (
	"fmt"
	"slices"
	"strings"

	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/pkg/types"
)

const voiceSchema = `{
  "name": "<short evocative name>",
  "personality": "<two sentences>",
  "speakingStyle": "<how it talks>",
  "obsession": "<what it keeps returning to>",
  "opinion": "<what it thinks of the user>",
  "blindSpot": "<what it cannot see>",
  "selfAwareness": "<what it knows about itself>",
  "verbalTic": "<a recurring phrase>",
  "arcana": "<arcana key>",
  "reversed": <true|false>,
  "metaphorDomain": "<domain>",
  "relationship": "<relationship tier>",
  "raises": ["<theme>", ...],
  "lowers": ["<theme>", ...],
  "chattiness": <1-5>,
  "resolution": {
    "type": "<resolution type>",
    "condition": "<what would let it rest>",
    "transformsInto": {"hint": "<what it becomes>", "arcana": "<key>", "depth": "<depth>"}
  }
}`

const systemPreamble = `You create inner voices: fragments of a person's psyche that comment on their life.
Each voice is tied to a tarot major arcana, speaks through one metaphor domain and is raised or lowered by themes.`

type prompt struct {
	system string
	user   string
}

func (p prompt) messages() []types.Message {
	return []types.Message{types.System(p.system), types.User(p.user)}
}

// constraints lists what the generator may choose from.
func constraints(depth voice.Depth, taken []voice.Arcana, used []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Free arcana: %s\n", joinArcana(freeArcana(taken)))
	fmt.Fprintf(&b, "Free metaphor domains: %s\n", strings.Join(freeDomains(used), ", "))
	fmt.Fprintf(&b, "Themes: %s\n", joinThemes(voice.Themes()))
	if depth.IsValid() {
		fmt.Fprintf(&b, "Depth: %s; allowed resolution types: %s\n", depth, joinResolutions(depth.Tier().Resolutions))
	}
	b.WriteString("Relationship tiers: hostile, resentful, indifferent, curious, warm, devoted, protective, obsessed, manic, grieving\n")
	return b.String()
}

func singleVoice(task string, depth voice.Depth, taken []voice.Arcana, used []string) prompt {
	return prompt{
		system: systemPreamble + "\n\n" + constraints(depth, taken, used) +
			"\nRespond with ONLY a JSON object in this exact format (no markdown, no prose):\n" + voiceSchema,
		user: task,
	}
}

func eventPrompt(impact voice.Impact, themes []voice.Theme, summary, text string, depth voice.Depth, taken []voice.Arcana, used []string) prompt {
	task := fmt.Sprintf("A %s moment just happened (themes: %s).\nSummary: %s\nMessage: %s\n\nCreate the voice this moment gives birth to.",
		impact, joinThemes(themes), summary, text)
	return singleVoice(task, depth, taken, used)
}

func accumulationPrompt(theme voice.Theme, acc voice.Accumulator, taken []voice.Arcana, used []string) prompt {
	task := fmt.Sprintf("The theme %q has kept coming back across %d messages. No single moment was heavy, but the pattern is.\n\nCreate the voice that grew out of this pattern. It must be raised by %q.",
		theme, acc.Messages, theme)
	return singleVoice(task, voice.DepthRooted, taken, used)
}

func transformPrompt(predecessor string, spec voice.TransformSpec, taken []voice.Arcana, used []string) prompt {
	task := fmt.Sprintf("The voice %q has transformed. Direction of the change: %s\n", predecessor, spec.Hint)
	if spec.Arcana != "" {
		task += fmt.Sprintf("Suggested arcana: %s\n", spec.Arcana)
	}
	task += "\nCreate the voice it became."
	return singleVoice(task, spec.Depth, taken, used)
}

func mergePrompt(a, b voice.Voice, depth voice.Depth, taken []voice.Arcana, used []string) prompt {
	task := fmt.Sprintf("Two voices are merging into one.\n\n%s\n\n%s\n\nCreate the single voice they become. Keep what they shared.",
		describe(a), describe(b))
	return singleVoice(task, depth, taken, used)
}

func personaPrompt(sources []string, n int, taken []voice.Arcana, used []string) prompt {
	var task strings.Builder
	fmt.Fprintf(&task, "Create between 2 and %d starting voices for this person, spanning surface, rooted and core depths.\n", n)
	task.WriteString("Set \"depth\" on each voice. Every voice needs a different arcana and metaphor domain.\n\n")
	for i, s := range sources {
		fmt.Fprintf(&task, "Source %d:\n%s\n\n", i+1, strings.TrimSpace(s))
	}
	return prompt{
		system: systemPreamble + "\n\n" + constraints("", taken, used) +
			"\nRespond with ONLY a JSON array of objects in this format (no markdown, no prose):\n[" + voiceSchema + ", ...]",
		user: task.String(),
	}
}

func describe(v voice.Voice) string {
	return fmt.Sprintf("%s (%s, %s): %s Obsession: %s. Raised by: %s. Lowered by: %s.",
		v.Name, v.ArcanaKey.DisplayName(), v.Depth, v.Personality, v.Obsession,
		joinThemes(v.Triggers.Raises), joinThemes(v.Triggers.Lowers))
}

func freeArcana(taken []voice.Arcana) []voice.Arcana {
	var out []voice.Arcana
	for _, a := range voice.AllArcana() {
		if !slices.Contains(taken, a) {
			out = append(out, a)
		}
	}
	return out
}

func freeDomains(used []string) []string {
	var out []string
	for _, d := range voice.MetaphorDomains() {
		if !slices.Contains(used, d) {
			out = append(out, d)
		}
	}
	return out
}

func joinArcana(as []voice.Arcana) string {
	s := make([]string, len(as))
	for i, a := range as {
		s[i] = string(a)
	}
	return strings.Join(s, ", ")
}

func joinThemes(ts []voice.Theme) string {
	if len(ts) == 0 {
		return "none"
	}
	s := make([]string, len(ts))
	for i, t := range ts {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}

func joinResolutions(rs []voice.ResolutionType) string {
	s := make([]string, len(rs))
	for i, r := range rs {
		s[i] = string(r)
	}
	return strings.Join(s, ", ")
}
