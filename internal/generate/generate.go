// Package generate is the text generation boundary of the engines.
//
// The engines build prompt messages and hand them to a [Generator]; they
// never see which model or transport answers. [LLM] adapts an
// [llm.Provider] behind a circuit breaker, [Fallback] chains several
// generators, and [ExtractJSON] recovers the JSON payload from a reply that
// may be wrapped in prose or markdown fences.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/chorus/internal/resilience"
	"github.com/MrWong99/chorus/pkg/provider/llm"
	"github.com/MrWong99/chorus/pkg/types"
)

// ErrEmpty is returned when a backend answers with no text.
var ErrEmpty = errors.New("generate: empty completion")

// Generator turns prompt messages into text. Implementations must be safe
// for concurrent use.
type Generator interface {
	Generate(ctx context.Context, messages []types.Message, maxTokens int) (string, error)
}

// Func adapts a plain function to [Generator].
type Func func(ctx context.Context, messages []types.Message, maxTokens int) (string, error)

// Generate implements [Generator].
func (f Func) Generate(ctx context.Context, messages []types.Message, maxTokens int) (string, error) {
	return f(ctx, messages, maxTokens)
}

const defaultTemperature = 0.9

// Option configures an [LLM].
type Option func(*LLM)

// WithTemperature sets the sampling temperature. Default: 0.9.
func WithTemperature(t float64) Option {
	return func(g *LLM) { g.temperature = t }
}

// WithBreaker sets the circuit breaker guarding the provider. Default: a
// breaker named after the provider with default thresholds.
func WithBreaker(cb *resilience.Breaker) Option {
	return func(g *LLM) { g.breaker = cb }
}

// Unguarded drops the provider's own breaker, for generators that sit in a
// [Fallback] whose members already have one.
func Unguarded() Option {
	return func(g *LLM) { g.unguarded = true }
}

// LLM adapts an [llm.Provider] to [Generator].
type LLM struct {
	provider    llm.Provider
	temperature float64
	breaker     *resilience.Breaker
	unguarded   bool
}

var _ Generator = (*LLM)(nil)

// NewLLM returns a generator backed by provider.
func NewLLM(provider llm.Provider, name string, opts ...Option) *LLM {
	g := &LLM{provider: provider, temperature: defaultTemperature}
	for _, o := range opts {
		o(g)
	}
	if g.breaker == nil && !g.unguarded {
		g.breaker = resilience.NewBreaker(resilience.BreakerConfig{Name: name})
	}
	return g
}

// Breaker returns the breaker guarding the provider, or nil when unguarded.
func (g *LLM) Breaker() *resilience.Breaker { return g.breaker }

// Generate implements [Generator]. Leading system messages become the
// request's system prompt.
func (g *LLM) Generate(ctx context.Context, messages []types.Message, maxTokens int) (string, error) {
	var system []string
	rest := messages
	for len(rest) > 0 && rest[0].Role == "system" {
		system = append(system, rest[0].Content)
		rest = rest[1:]
	}
	if len(rest) == 0 {
		return "", fmt.Errorf("generate: no user message")
	}
	req := llm.CompletionRequest{
		Messages:     rest,
		SystemPrompt: strings.Join(system, "\n\n"),
		Temperature:  g.temperature,
		MaxTokens:    maxTokens,
	}

	var text string
	call := func(ctx context.Context) error {
		resp, err := g.provider.Complete(ctx, req)
		if err != nil {
			return err
		}
		if resp == nil || strings.TrimSpace(resp.Content) == "" {
			return ErrEmpty
		}
		text = strings.TrimSpace(resp.Content)
		return nil
	}
	var err error
	if g.breaker != nil {
		err = g.breaker.Execute(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return "", fmt.Errorf("generate: complete: %w", err)
	}
	return text, nil
}

// Fallback tries several generators in order, each behind its own circuit
// breaker.
type Fallback struct {
	group *resilience.Group[Generator]
}

var _ Generator = (*Fallback)(nil)

// NewFallback returns a chain starting with primary.
func NewFallback(primary Generator, primaryName string, cfg resilience.BreakerConfig) *Fallback {
	return &Fallback{group: resilience.NewGroup(primary, primaryName, cfg)}
}

// AddFallback appends a generator tried after the ones already registered.
func (f *Fallback) AddFallback(name string, g Generator) {
	f.group.Add(name, g)
}

// Generate implements [Generator].
func (f *Fallback) Generate(ctx context.Context, messages []types.Message, maxTokens int) (string, error) {
	return resilience.Do(ctx, f.group, func(ctx context.Context, g Generator) (string, error) {
		return g.Generate(ctx, messages, maxTokens)
	})
}

// Breakers reports the breaker state of every generator in the chain.
func (f *Fallback) Breakers() map[string]resilience.State {
	return f.group.States()
}

// ExtractJSON strips markdown code fences and any prose around the first
// JSON object or array in s. It returns s trimmed when no JSON is found.
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```JSON", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(strings.TrimSpace(s), "```"); ok {
		s = before
	}
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return s
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return s[start:]
	}
	return s[start : end+1]
}
