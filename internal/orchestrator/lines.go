package orchestrator

import (
	"strings"
	"unicode/utf8"

	"github.com/MrWong99/chorus/internal/phonetic"
	"github.com/MrWong99/chorus/internal/voice"
)

// maxLabelLen bounds how far into a line the "Name:" separator may appear.
// Longer prefixes are prose that happens to contain a colon.
const maxLabelLen = 48

// Line is one voice's contribution to a reply.
type Line struct {
	VoiceID string `json:"voiceId"`
	Name    string `json:"name"`
	Text    string `json:"text"`
}

// silentMarkers are replies that mean a voice chose not to speak.
var silentMarkers = []string{"(silent)", "(silence)", "*silence*", "*silent*", "...", "…", "-", "(says nothing)", "[silent]"}

// LineParser splits a generated multi-voice reply into per-voice lines.
//
// A line starting with "Name:" opens a new speaker when Name matches one of
// the voices; the match tolerates case, a missing "The", prefixes and
// phonetic near-misses. Lines that open no speaker continue the previous
// one. Text before the first recognised label is dropped. A voice labelled
// more than once has its texts joined, and silent markers yield no line.
type LineParser struct {
	matcher *phonetic.Matcher
}

// NewLineParser returns a parser using m, or a default matcher when m is nil.
func NewLineParser(m *phonetic.Matcher) *LineParser {
	if m == nil {
		m = phonetic.New()
	}
	return &LineParser{matcher: m}
}

// Parse returns one [Line] per voice that spoke, in order of first
// appearance.
func (p *LineParser) Parse(raw string, voices []voice.Voice) []Line {
	if len(voices) == 0 {
		return nil
	}
	names := make([]string, len(voices))
	for i, v := range voices {
		names[i] = v.Name
	}

	var (
		out     []Line
		current = -1
	)
	appendText := func(idx int, text string) {
		if text == "" {
			return
		}
		if out[idx].Text == "" {
			out[idx].Text = text
			return
		}
		out[idx].Text += " " + text
	}

	for raw := range strings.Lines(raw) {
		line := cleanLine(raw)
		if line == "" {
			continue
		}
		if label, text, ok := splitLabel(line); ok {
			if vi, _, _ := p.matcher.Match(label, names); vi >= 0 {
				current = indexOf(out, voices[vi].ID)
				if current < 0 {
					out = append(out, Line{VoiceID: voices[vi].ID, Name: voices[vi].Name})
					current = len(out) - 1
				}
				appendText(current, cleanText(text))
				continue
			}
		}
		if current >= 0 {
			appendText(current, cleanText(line))
		}
	}

	spoken := out[:0]
	for _, l := range out {
		if l.Text != "" {
			spoken = append(spoken, l)
		}
	}
	return spoken
}

// Spoken indexes lines by voice id in the shape [voicestore.Store.RecordTurn]
// expects.
func Spoken(lines []Line) map[string]string {
	out := make(map[string]string, len(lines))
	for _, l := range lines {
		out[l.VoiceID] = l.Text
	}
	return out
}

func cleanLine(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimLeft(s, "-*•> ")
	return strings.TrimSpace(s)
}

// splitLabel finds "Label: text", accepting "[Label]", "**Label**:" and
// "Label (aside):" forms.
func splitLabel(line string) (label, text string, ok bool) {
	if strings.HasPrefix(line, "[") {
		if end := strings.Index(line, "]"); end > 1 && end <= maxLabelLen {
			rest := strings.TrimLeft(line[end+1:], ": ")
			return line[1:end], rest, true
		}
	}
	idx := strings.Index(line, ":")
	if idx <= 0 || utf8.RuneCountInString(line[:idx]) > maxLabelLen {
		return "", "", false
	}
	label = strings.Trim(line[:idx], "*_ ")
	if paren := strings.Index(label, "("); paren > 0 {
		label = strings.TrimSpace(label[:paren])
	}
	return label, strings.TrimLeft(line[idx+1:], "*_ "), label != ""
}

func cleanText(s string) string {
	s = strings.TrimSpace(s)
	for _, m := range silentMarkers {
		if strings.EqualFold(s, m) {
			return ""
		}
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func indexOf(lines []Line, voiceID string) int {
	for i, l := range lines {
		if l.VoiceID == voiceID {
			return i
		}
	}
	return -1
}
