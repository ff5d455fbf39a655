package classify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/chorus/internal/generate"
	"github.com/MrWong99/chorus/internal/voice"
	"github.com/MrWong99/chorus/pkg/provider/llm"
)

// ErrMalformed is returned when the model's reply cannot be parsed.
var ErrMalformed = errors.New("classify: malformed reply")

const defaultTemperature = 0.1

const systemPrompt = `You classify chat messages for an inner-voice simulation.

Return the emotional impact of the message on its author, the themes it touches and a one sentence summary.

Impact is one of: none, minor, significant, critical.
Themes must come from this list only:
%s

%s
Respond with ONLY a JSON object in this exact format (no markdown, no prose):
{
  "impact": "<impact>",
  "themes": ["<theme>", ...],
  "summary": "<one sentence>",
  "resolutionAssessments": [{"voiceId": "<id>", "progress": <0-10>}]
}`

// LLMOption configures an [LLMClassifier].
type LLMOption func(*LLMClassifier)

// WithTemperature sets the sampling temperature. Default: 0.1.
func WithTemperature(t float64) LLMOption {
	return func(c *LLMClassifier) { c.temperature = t }
}

// LLMClassifier asks an [llm.Provider] for a JSON classification. It is
// safe for concurrent use.
type LLMClassifier struct {
	llm         llm.Provider
	temperature float64
}

var _ Classifier = (*LLMClassifier)(nil)

// NewLLM returns a classifier backed by provider.
func NewLLM(provider llm.Provider, opts ...LLMOption) *LLMClassifier {
	c := &LLMClassifier{llm: provider, temperature: defaultTemperature}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Classify implements [Classifier]. Transport errors and unparseable replies
// are returned as errors; a parsed reply is normalised.
func (c *LLMClassifier) Classify(ctx context.Context, text string, candidates []Candidate) (*Result, error) {
	req := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(candidates),
		Temperature:  c.temperature,
		JSONMode:     true,
		Messages:     []llm.Message{{Role: "user", Content: text}},
	}
	resp, err := c.llm.Complete(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("classify: complete: %w", err)
	}
	if resp == nil {
		return nil, fmt.Errorf("%w: no response", ErrMalformed)
	}

	var r Result
	if err := json.Unmarshal([]byte(generate.ExtractJSON(resp.Content)), &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return Normalize(&r, candidates), nil
}

func buildSystemPrompt(candidates []Candidate) string {
	var themes strings.Builder
	for _, t := range voice.Themes() {
		themes.WriteString("- ")
		themes.WriteString(string(t))
		themes.WriteByte('\n')
	}

	var assess strings.Builder
	if len(candidates) > 0 {
		assess.WriteString("Also rate, from 0 to 10, how far the message moves each of these voices toward its hidden condition:\n")
		for _, cand := range candidates {
			fmt.Fprintf(&assess, "- voiceId %s (%s, %s): %s\n", cand.VoiceID, cand.Name, cand.Type, cand.Condition)
		}
	} else {
		assess.WriteString("Return an empty resolutionAssessments array.\n")
	}
	return fmt.Sprintf(systemPrompt, themes.String(), assess.String())
}
