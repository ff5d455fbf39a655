// Package classify is the message classification boundary.
//
// A [Classifier] turns raw chat text into an impact level, a set of taxonomy
// themes, a short summary and per-voice resolution assessments. The engines
// only consume [Result]; how it is produced is up to the implementation.
// [Normalize] coerces whatever a classifier returned into a well-formed
// result so a sloppy backend can never push invalid values into the engines.
package classify

import (
	"context"
	"slices"

	"github.com/MrWong99/chorus/internal/resilience"
	"github.com/MrWong99/chorus/internal/voice"
)

// MaxAssessment is the upper bound of a per-voice assessment delta.
const MaxAssessment = 10

// Candidate is a voice the classifier is asked to assess.
type Candidate struct {
	VoiceID   string               `json:"voiceId"`
	Name      string               `json:"name"`
	Type      voice.ResolutionType `json:"type"`
	Condition string               `json:"condition"`
	Progress  int                  `json:"progress"`
}

// Assessment is the progress a message made toward a voice's resolution
// condition, on a 0–10 scale.
type Assessment struct {
	VoiceID  string `json:"voiceId"`
	Progress int    `json:"progress"`
}

// Result is the classification of one message.
type Result struct {
	Impact      voice.Impact  `json:"impact"`
	Themes      []voice.Theme `json:"themes"`
	Summary     string        `json:"summary"`
	Assessments []Assessment  `json:"resolutionAssessments"`
}

// Classifier classifies a message. Implementations must be safe for
// concurrent use.
type Classifier interface {
	Classify(ctx context.Context, text string, candidates []Candidate) (*Result, error)
}

// Func adapts a plain function to [Classifier].
type Func func(ctx context.Context, text string, candidates []Candidate) (*Result, error)

// Classify implements [Classifier].
func (f Func) Classify(ctx context.Context, text string, candidates []Candidate) (*Result, error) {
	return f(ctx, text, candidates)
}

// Empty is the result used when classification yields nothing.
func Empty() *Result {
	return &Result{Impact: voice.ImpactNone, Themes: []voice.Theme{}, Assessments: []Assessment{}}
}

// Normalize returns a well-formed copy of r: unknown impact becomes none,
// themes are filtered to the taxonomy, assessments are clamped to 0–10 and
// kept only for candidates, one per voice. A nil r yields [Empty].
func Normalize(r *Result, candidates []Candidate) *Result {
	if r == nil {
		return Empty()
	}
	out := &Result{
		Impact:      r.Impact,
		Themes:      voice.FilterThemes(r.Themes),
		Summary:     r.Summary,
		Assessments: []Assessment{},
	}
	if !out.Impact.IsValid() {
		out.Impact = voice.ImpactNone
	}
	for _, a := range r.Assessments {
		known := slices.ContainsFunc(candidates, func(c Candidate) bool { return c.VoiceID == a.VoiceID })
		dup := slices.ContainsFunc(out.Assessments, func(o Assessment) bool { return o.VoiceID == a.VoiceID })
		if !known || dup {
			continue
		}
		out.Assessments = append(out.Assessments, Assessment{
			VoiceID:  a.VoiceID,
			Progress: min(max(a.Progress, 0), MaxAssessment),
		})
	}
	return out
}

// AssessmentMap indexes the assessments by voice id.
func (r *Result) AssessmentMap() map[string]int {
	out := make(map[string]int, len(r.Assessments))
	for _, a := range r.Assessments {
		out[a.VoiceID] = a.Progress
	}
	return out
}

// Fallback tries several classifiers in order, each behind its own circuit
// breaker.
type Fallback struct {
	group *resilience.Group[Classifier]
}

var _ Classifier = (*Fallback)(nil)

// NewFallback returns a chain starting with primary.
func NewFallback(primary Classifier, primaryName string, cfg resilience.BreakerConfig) *Fallback {
	return &Fallback{group: resilience.NewGroup(primary, primaryName, cfg)}
}

// AddFallback appends a classifier tried after the ones already registered.
func (f *Fallback) AddFallback(name string, c Classifier) {
	f.group.Add(name, c)
}

// Classify implements [Classifier].
func (f *Fallback) Classify(ctx context.Context, text string, candidates []Candidate) (*Result, error) {
	return resilience.Do(ctx, f.group, func(ctx context.Context, c Classifier) (*Result, error) {
		return c.Classify(ctx, text, candidates)
	})
}

// Breakers reports the breaker state of every classifier in the chain.
func (f *Fallback) Breakers() map[string]resilience.State {
	return f.group.States()
}
