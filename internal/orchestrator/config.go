package orchestrator

import (
	"time"

	"github.com/MrWong99/chorus/internal/participation"
	"github.com/MrWong99/chorus/internal/voice"
)

// DrawMode selects who starts card draws.
type DrawMode string

const (
	// DrawAuto draws on heavy messages and after quiet stretches.
	DrawAuto DrawMode = "auto"
	// DrawManual only draws when the user asks.
	DrawManual DrawMode = "manual"
)

// IsValid reports whether m is a recognised mode.
func (m DrawMode) IsValid() bool {
	return m == DrawAuto || m == DrawManual
}

// Severity shapes how strongly auto draws react to impact.
type Severity string

const (
	// SeverityGentle never draws more than three cards.
	SeverityGentle Severity = "gentle"
	// SeverityNormal draws three cards on significant and five on critical
	// messages.
	SeverityNormal Severity = "normal"
	// SeverityIntense draws five cards on significant messages too.
	SeverityIntense Severity = "intense"
)

// IsValid reports whether s is a recognised severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityGentle, SeverityNormal, SeverityIntense:
		return true
	}
	return false
}

// SpreadFor returns the spread an auto draw uses for impact, or false when
// the impact alone does not warrant a draw.
func (s Severity) SpreadFor(impact voice.Impact) (participation.Spread, bool) {
	switch impact {
	case voice.ImpactCritical:
		if s == SeverityGentle {
			return participation.SpreadThree, true
		}
		return participation.SpreadFive, true
	case voice.ImpactSignificant:
		if s == SeverityIntense {
			return participation.SpreadFive, true
		}
		return participation.SpreadThree, true
	}
	return "", false
}

// Config holds the pipeline tunables.
type Config struct {
	// MaxSpeakers caps the voices that speak per message.
	MaxSpeakers int
	// VoiceFrequency lets voices speak on every Nth message only.
	VoiceFrequency int
	// NarrationChance is the probability of ambient narration on a message
	// nobody spoke on.
	NarrationChance float64

	DrawMode DrawMode
	Severity Severity
	// AutoDrawInterval draws a single card after this many messages without
	// a draw. Zero disables interval draws.
	AutoDrawInterval int

	SpeakerMaxTokens   int
	NarrationMaxTokens int
	ReadingMaxTokens   int
	OpinionMaxTokens   int

	// HistorySize and HistoryAge bound the exchange shown to the generator.
	HistorySize int
	HistoryAge  time.Duration
}

// DefaultConfig returns the standard tunables.
func DefaultConfig() Config {
	return Config{
		MaxSpeakers:        3,
		VoiceFrequency:     1,
		NarrationChance:    0.15,
		DrawMode:           DrawAuto,
		Severity:           SeverityNormal,
		AutoDrawInterval:   8,
		SpeakerMaxTokens:   600,
		NarrationMaxTokens: 200,
		ReadingMaxTokens:   300,
		OpinionMaxTokens:   120,
		HistorySize:        20,
		HistoryAge:         30 * time.Minute,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSpeakers <= 0 {
		c.MaxSpeakers = d.MaxSpeakers
	}
	if c.VoiceFrequency <= 0 {
		c.VoiceFrequency = d.VoiceFrequency
	}
	c.NarrationChance = min(max(c.NarrationChance, 0), 1)
	if !c.DrawMode.IsValid() {
		c.DrawMode = d.DrawMode
	}
	if !c.Severity.IsValid() {
		c.Severity = d.Severity
	}
	c.AutoDrawInterval = max(c.AutoDrawInterval, 0)
	if c.SpeakerMaxTokens <= 0 {
		c.SpeakerMaxTokens = d.SpeakerMaxTokens
	}
	if c.NarrationMaxTokens <= 0 {
		c.NarrationMaxTokens = d.NarrationMaxTokens
	}
	if c.ReadingMaxTokens <= 0 {
		c.ReadingMaxTokens = d.ReadingMaxTokens
	}
	if c.OpinionMaxTokens <= 0 {
		c.OpinionMaxTokens = d.OpinionMaxTokens
	}
	if c.HistorySize <= 0 {
		c.HistorySize = d.HistorySize
	}
	return c
}
