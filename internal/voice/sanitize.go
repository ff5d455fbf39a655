package voice

import (
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Sanitize repairs s in place and returns it. A nil s yields a fresh state.
//
// Every field is clamped or coerced to the nearest legal value; nothing is
// rejected. Running Sanitize on its own output is a no-op. Duplicate arcana
// among living voices are left alone: uniqueness is enforced when a voice is
// added, not retroactively.
func Sanitize(s *SessionState) *SessionState {
	if s == nil {
		return NewSessionState()
	}
	if s.Version <= 0 {
		s.Version = StateVersion
	}
	if !s.Escalation.IsValid() {
		s.Escalation = EscalationCalm
	}
	if s.Voices == nil {
		s.Voices = []Voice{}
	}
	if s.BirthLog == nil {
		s.BirthLog = []LifeEvent{}
	}
	if s.DeathLog == nil {
		s.DeathLog = []LifeEvent{}
	}
	s.MessageCount = max(s.MessageCount, 0)
	s.MessagesSinceDraw = max(s.MessagesSinceDraw, 0)

	acc := make(map[Theme]Accumulator, len(s.Accumulators))
	for k, a := range s.Accumulators {
		t, ok := ParseTheme(string(k))
		if !ok || a.Count <= 0 {
			continue
		}
		a.Messages = max(a.Messages, 0)
		acc[t] = a
	}
	s.Accumulators = acc

	// Valid living arcana are claimed first so repairs never steal a slot
	// from a voice that already holds it legitimately.
	var taken []Arcana
	for i := range s.Voices {
		v := &s.Voices[i]
		if a, ok := ParseArcana(string(v.ArcanaKey)); ok {
			v.ArcanaKey = a
			if v.State != StateDead {
				taken = append(taken, a)
			}
		}
	}
	for i := range s.Voices {
		SanitizeVoice(&s.Voices[i], taken)
		if v := &s.Voices[i]; v.Living() && !slices.Contains(taken, v.ArcanaKey) {
			taken = append(taken, v.ArcanaKey)
		}
	}

	if s.LastReading != nil {
		rs := s.LastReading.Voices[:0:0]
		for _, rv := range s.LastReading.Voices {
			if rv.VoiceID == "" {
				continue
			}
			rv.Raises = FilterThemes(rv.Raises)
			rv.Lowers = FilterThemes(rv.Lowers)
			rs = append(rs, rv)
		}
		if len(rs) == 0 {
			s.LastReading = nil
		} else {
			s.LastReading.Voices = rs
		}
	}
	return s
}

// SanitizeVoice repairs a single voice in place. taken lists arcana held by
// other living voices; a living voice without a valid arcana is given the
// first free key.
func SanitizeVoice(v *Voice, taken []Arcana) {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.Created.IsZero() {
		v.Created = time.Now().UTC()
	}
	if !v.Depth.IsValid() {
		v.Depth = DepthSurface
	}
	if !v.Relationship.IsValid() {
		v.Relationship = RelIndifferent
	}
	if !v.BirthType.IsValid() {
		v.BirthType = BirthEvent
	}
	if v.Relationships == nil {
		v.Relationships = map[string]string{}
	} else {
		maps.DeleteFunc(v.Relationships, func(k, _ string) bool { return k == "" || k == v.ID })
	}

	v.Influence = min(max(v.Influence, 0), 100)
	v.Chattiness = v.Depth.ClampChattiness(v.Chattiness)
	v.SilentStreak = max(v.SilentStreak, 0)
	v.Triggers.Raises = FilterThemes(v.Triggers.Raises)
	v.Triggers.Lowers = FilterThemes(v.Triggers.Lowers)

	if a, ok := ParseArcana(string(v.ArcanaKey)); ok {
		v.ArcanaKey = a
	} else if v.State != StateDead {
		if free, ok := FirstFreeArcana(taken); ok {
			v.ArcanaKey = free
		}
	}
	if v.Name == "" {
		v.Name = v.ArcanaKey.DisplayName()
		if v.Name == "" {
			v.Name = "Nameless"
		}
	}

	sanitizeResolution(&v.Resolution, v.Depth)

	switch {
	case v.State == StateDead:
	case v.State == StateHijacking:
	case v.State.Overlay() && v.State == v.Resolution.Type.OverlayState() &&
		v.Resolution.Ratio() >= v.Resolution.Type.OverlayRatio():
	default:
		v.State = DeriveState(v.Influence)
	}
}

func sanitizeResolution(r *Resolution, d Depth) {
	if !r.Type.IsValid() || !d.Allows(r.Type) {
		r.Type = d.Tier().DefaultResolution
	}
	if r.Type == ResolutionEndure {
		r.Condition = ""
		r.Threshold = nil
		r.Progress = 0
		r.TransformsInto = nil
		return
	}
	r.Progress = min(max(r.Progress, 0), 100)
	if r.Threshold == nil || *r.Threshold <= 0 {
		r.Threshold = r.Type.DefaultThreshold()
	} else if *r.Threshold > 100 {
		n := 100
		r.Threshold = &n
	}
	if t := r.TransformsInto; t != nil {
		if a, ok := ParseArcana(string(t.Arcana)); ok {
			t.Arcana = a
		} else {
			t.Arcana = ""
		}
		if !t.Depth.IsValid() {
			t.Depth = ""
		}
	}
}
