package discord

import (
	"fmt"
	"strings"

	"github.com/MrWong99/chorus/internal/orchestrator"
	"github.com/MrWong99/chorus/internal/voice"
)

// renderResult formats a message result as Discord markdown. It returns ""
// when nothing visible happened.
func renderResult(res *orchestrator.Result) string {
	if res == nil {
		return ""
	}
	var lines []string
	for _, ev := range res.Events {
		if l := renderEvent(ev); l != "" {
			lines = append(lines, l)
		}
	}
	if res.Hijacker != nil {
		lines = append(lines, fmt.Sprintf("**%s takes over.**", res.Hijacker.Name))
	}
	for _, l := range res.Speakers {
		lines = append(lines, fmt.Sprintf("**%s:** %s", l.Name, l.Text))
	}
	if res.Narration != "" {
		lines = append(lines, "_"+res.Narration+"_")
	}
	if res.Reading != nil {
		lines = append(lines, renderReading(res.Reading))
	}
	return truncate(strings.Join(lines, "\n"))
}

func renderEvent(ev voice.Event) string {
	switch ev.Kind {
	case voice.EventBorn:
		return fmt.Sprintf("*%s is born.*", ev.Name)
	case voice.EventResolved:
		return fmt.Sprintf("*%s is at peace.*", ev.Name)
	case voice.EventTransformed:
		if ev.Related == "" {
			return fmt.Sprintf("*%s transforms.*", ev.Name)
		}
		return fmt.Sprintf("*%s becomes %s.*", ev.Name, ev.Related)
	case voice.EventConsumed:
		return fmt.Sprintf("*%s is consumed by %s.*", ev.Name, ev.Related)
	case voice.EventMerged:
		return fmt.Sprintf("*%s merges into %s.*", ev.Name, ev.Related)
	case voice.EventKilled:
		return fmt.Sprintf("*%s is gone.*", ev.Name)
	}
	return ""
}

func renderReading(r *orchestrator.Reading) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "__%s spread__", r.Spread)
	for _, c := range r.Cards {
		name := c.Arcana.DisplayName()
		if c.Reversed {
			name += " (reversed)"
		}
		fmt.Fprintf(&sb, "\n**%s** · %s · %s", c.Position, name, c.Voice)
		if c.Text != "" {
			sb.WriteString("\n> " + c.Text)
		}
	}
	return sb.String()
}

func renderVoices(voices []voice.Voice) string {
	if len(voices) == 0 {
		return "No voices yet."
	}
	var sb strings.Builder
	for i, v := range voices {
		if i > 0 {
			sb.WriteByte('\n')
		}
		fmt.Fprintf(&sb, "**%s** (%s, %s) influence %d · `%s`", v.Name, v.ArcanaKey.DisplayName(), v.Depth, v.Influence, v.ID)
	}
	return truncate(sb.String())
}
