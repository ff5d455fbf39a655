// Package voice defines the data model of the voice simulation: the fixed
// taxonomy (themes, arcana, depth and relationship tiers), the [Voice]
// record, the per-session [SessionState] aggregate, and [Sanitize], the
// repair pass run on every load boundary.
//
// Nothing in this package performs I/O or holds locks; callers own
// synchronisation.
package voice

import (
	"maps"
	"slices"
	"time"
)

// State is the derived or overlaid behavioural state of a voice.
type State string

const (
	StateDormant      State = "dormant"
	StateActive       State = "active"
	StateAgitated     State = "agitated"
	StateHijacking    State = "hijacking"
	StateDead         State = "dead"
	StateFading       State = "fading"
	StateResolving    State = "resolving"
	StateTransforming State = "transforming"
)

// IsValid reports whether s is a recognised state.
func (s State) IsValid() bool {
	switch s {
	case StateDormant, StateActive, StateAgitated, StateHijacking, StateDead,
		StateFading, StateResolving, StateTransforming:
		return true
	}
	return false
}

// Overlay reports whether s is one of the cosmetic near-resolution states.
func (s State) Overlay() bool {
	return s == StateFading || s == StateResolving || s == StateTransforming
}

// DeriveState maps influence onto dormant (<20), active (20–69) or
// agitated (≥70).
func DeriveState(influence int) State {
	switch {
	case influence < 20:
		return StateDormant
	case influence < 70:
		return StateActive
	default:
		return StateAgitated
	}
}

// BirthType records how a voice came to exist.
type BirthType string

const (
	BirthEvent        BirthType = "event"
	BirthPersona      BirthType = "persona"
	BirthAccumulation BirthType = "accumulation"
	BirthTransform    BirthType = "transform"
	BirthMerge        BirthType = "merge"
)

// IsValid reports whether b is a recognised birth type.
func (b BirthType) IsValid() bool {
	switch b {
	case BirthEvent, BirthPersona, BirthAccumulation, BirthTransform, BirthMerge:
		return true
	}
	return false
}

// Triggers are the themes that raise or lower a voice's influence.
type Triggers struct {
	Raises []Theme `json:"raises"`
	Lowers []Theme `json:"lowers"`
}

// TransformSpec describes the successor a transform-type voice turns into.
type TransformSpec struct {
	Hint   string `json:"hint"`
	Arcana Arcana `json:"arcana,omitempty"`
	Depth  Depth  `json:"depth,omitempty"`
}

// Resolution is the hidden progress-to-completion state of a voice.
type Resolution struct {
	Type           ResolutionType `json:"type"`
	Condition      string         `json:"condition"`
	Progress       int            `json:"progress"`
	Threshold      *int           `json:"threshold"`
	TransformsInto *TransformSpec `json:"transformsInto,omitempty"`
}

// Ratio returns progress/threshold, or 0 when there is no threshold.
func (r Resolution) Ratio() float64 {
	if r.Threshold == nil || *r.Threshold <= 0 {
		return 0
	}
	return float64(r.Progress) / float64(*r.Threshold)
}

// Complete reports whether progress has reached a non-nil threshold.
func (r Resolution) Complete() bool {
	return r.Threshold != nil && r.Progress >= *r.Threshold
}

// Voice is one simulated internal persona of a chat session.
type Voice struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Personality    string `json:"personality"`
	SpeakingStyle  string `json:"speakingStyle"`
	Obsession      string `json:"obsession"`
	Opinion        string `json:"opinion"`
	BlindSpot      string `json:"blindSpot"`
	SelfAwareness  string `json:"selfAwareness"`
	VerbalTic      string `json:"verbalTic"`
	ArcanaKey      Arcana `json:"arcanaKey"`
	Reversed       bool   `json:"reversed"`
	MetaphorDomain string `json:"metaphorDomain"`
	Depth          Depth  `json:"depth"`

	Influence    int          `json:"influence"`
	State        State        `json:"state"`
	Relationship Relationship `json:"relationship"`

	// Relationships maps another voice's ID to this voice's opinion of it.
	Relationships map[string]string `json:"relationships"`
	Triggers      Triggers          `json:"influenceTriggers"`

	Chattiness     int        `json:"chattiness"`
	SilentStreak   int        `json:"silentStreak"`
	LastCommentary string     `json:"lastCommentary,omitempty"`
	LastSpoke      *time.Time `json:"lastSpoke,omitempty"`

	Resolution Resolution `json:"resolution"`

	Created       time.Time  `json:"created"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	ResolveReason string     `json:"resolveReason,omitempty"`
	BirthType     BirthType  `json:"birthType"`
}

// Living reports whether the voice has not reached a terminal state.
func (v *Voice) Living() bool {
	return v.State != StateDead
}

// Endures reports whether the voice is of the endure resolution type.
func (v *Voice) Endures() bool {
	return v.Resolution.Type == ResolutionEndure
}

// RaisesMatch counts themes matching the voice's raise triggers.
func (v *Voice) RaisesMatch(themes []Theme) int {
	return countMatches(v.Triggers.Raises, themes)
}

// LowersMatch counts themes matching the voice's lower triggers.
func (v *Voice) LowersMatch(themes []Theme) int {
	return countMatches(v.Triggers.Lowers, themes)
}

// Clone returns a deep copy of v.
func (v Voice) Clone() Voice {
	c := v
	c.Relationships = maps.Clone(v.Relationships)
	c.Triggers.Raises = slices.Clone(v.Triggers.Raises)
	c.Triggers.Lowers = slices.Clone(v.Triggers.Lowers)
	if v.LastSpoke != nil {
		t := *v.LastSpoke
		c.LastSpoke = &t
	}
	if v.ResolvedAt != nil {
		t := *v.ResolvedAt
		c.ResolvedAt = &t
	}
	if v.Resolution.Threshold != nil {
		n := *v.Resolution.Threshold
		c.Resolution.Threshold = &n
	}
	if v.Resolution.TransformsInto != nil {
		s := *v.Resolution.TransformsInto
		c.Resolution.TransformsInto = &s
	}
	return c
}

func countMatches(triggers, themes []Theme) int {
	n := 0
	for _, t := range themes {
		if slices.Contains(triggers, t) {
			n++
		}
	}
	return n
}

// ─────────────────────────────────────────────────────────────────────────────
// Session aggregate
// ─────────────────────────────────────────────────────────────────────────────

// StateVersion is the current schema version of [SessionState].
const StateVersion = 1

// Accumulator tracks a repeated minor pattern for one theme.
type Accumulator struct {
	Count    float64 `json:"count"`
	Messages int     `json:"messages"`
}

// LifeEvent is an entry of the birth or death log.
type LifeEvent struct {
	VoiceID   string    `json:"voiceId"`
	Name      string    `json:"name"`
	Arcana    Arcana    `json:"arcana"`
	BirthType BirthType `json:"birthType,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	At        time.Time `json:"at"`
}

// ReadingVoice is the trigger snapshot of a voice assigned to a reading.
type ReadingVoice struct {
	VoiceID string  `json:"voiceId"`
	Raises  []Theme `json:"raises"`
	Lowers  []Theme `json:"lowers"`
}

// ReadingTrace is kept for one message after a draw for advice drift.
type ReadingTrace struct {
	Voices []ReadingVoice `json:"voices"`
	At     time.Time      `json:"at"`
}

// SessionState is the aggregate owned by one chat session.
type SessionState struct {
	Version           int                   `json:"version"`
	Voices            []Voice               `json:"voices"`
	Escalation        Escalation            `json:"escalation"`
	Accumulators      map[Theme]Accumulator `json:"accumulators"`
	BirthLog          []LifeEvent           `json:"birthLog"`
	DeathLog          []LifeEvent           `json:"deathLog"`
	MessageCount      int                   `json:"messageCount"`
	MessagesSinceDraw int                   `json:"messagesSinceDraw"`
	LastBirthAt       *time.Time            `json:"lastBirthAt,omitempty"`
	LastMergeAt       *time.Time            `json:"lastMergeAt,omitempty"`
	LastReading       *ReadingTrace         `json:"lastReading,omitempty"`
}

// NewSessionState returns an empty, valid aggregate.
func NewSessionState() *SessionState {
	return &SessionState{
		Version:      StateVersion,
		Voices:       []Voice{},
		Escalation:   EscalationCalm,
		Accumulators: map[Theme]Accumulator{},
		BirthLog:     []LifeEvent{},
		DeathLog:     []LifeEvent{},
	}
}

// Clone returns a deep copy of s.
func (s *SessionState) Clone() *SessionState {
	if s == nil {
		return nil
	}
	c := *s
	c.Voices = make([]Voice, len(s.Voices))
	for i, v := range s.Voices {
		c.Voices[i] = v.Clone()
	}
	c.Accumulators = maps.Clone(s.Accumulators)
	c.BirthLog = slices.Clone(s.BirthLog)
	c.DeathLog = slices.Clone(s.DeathLog)
	if s.LastBirthAt != nil {
		t := *s.LastBirthAt
		c.LastBirthAt = &t
	}
	if s.LastMergeAt != nil {
		t := *s.LastMergeAt
		c.LastMergeAt = &t
	}
	if s.LastReading != nil {
		r := ReadingTrace{At: s.LastReading.At, Voices: make([]ReadingVoice, len(s.LastReading.Voices))}
		for i, rv := range s.LastReading.Voices {
			r.Voices[i] = ReadingVoice{
				VoiceID: rv.VoiceID,
				Raises:  slices.Clone(rv.Raises),
				Lowers:  slices.Clone(rv.Lowers),
			}
		}
		c.LastReading = &r
	}
	return &c
}

// Find returns a pointer into s.Voices for id, or nil.
func (s *SessionState) Find(id string) *Voice {
	for i := range s.Voices {
		if s.Voices[i].ID == id {
			return &s.Voices[i]
		}
	}
	return nil
}

// Living returns pointers to all living voices in s.
func (s *SessionState) Living() []*Voice {
	out := make([]*Voice, 0, len(s.Voices))
	for i := range s.Voices {
		if s.Voices[i].Living() {
			out = append(out, &s.Voices[i])
		}
	}
	return out
}

// TakenArcana lists arcana held by living voices.
func (s *SessionState) TakenArcana() []Arcana {
	var out []Arcana
	for _, v := range s.Living() {
		out = append(out, v.ArcanaKey)
	}
	return out
}

// UsedDomains lists metaphor domains held by living voices.
func (s *SessionState) UsedDomains() []string {
	var out []string
	for _, v := range s.Living() {
		if v.MetaphorDomain != "" {
			out = append(out, v.MetaphorDomain)
		}
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Events
// ─────────────────────────────────────────────────────────────────────────────

// EventKind classifies a lifecycle event emitted during a message.
type EventKind string

const (
	EventBorn        EventKind = "born"
	EventResolved    EventKind = "resolved"
	EventTransformed EventKind = "transformed"
	EventConsumed    EventKind = "consumed"
	EventMerged      EventKind = "merged"
	EventKilled      EventKind = "killed"
)

// Event is a lifecycle change reported in the per-message result bundle.
type Event struct {
	Kind    EventKind `json:"kind"`
	VoiceID string    `json:"voiceId"`
	Name    string    `json:"name"`
	Reason  string    `json:"reason,omitempty"`
	// Related names the other party: the predator of a consume, the
	// successor of a transform or merge.
	Related   string         `json:"related,omitempty"`
	Transform *TransformSpec `json:"transform,omitempty"`
	BirthType BirthType      `json:"birthType,omitempty"`
}
