// Package mock provides a test double for generate.Generator.
//
// Responses are served in order; once they run out the last one repeats.
// Respond, when set, takes precedence and lets a test answer based on the
// prompt.
//
//	g := &mock.Generator{Responses: []string{`{"name":"Ash"}`}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chorus/internal/generate"
	"github.com/MrWong99/chorus/pkg/types"
)

// Call records one Generate invocation.
type Call struct {
	Messages  []types.Message
	MaxTokens int
}

// Generator is a mock implementation of generate.Generator.
type Generator struct {
	mu sync.Mutex

	// Responses are returned in order; the last one repeats.
	Responses []string
	// Respond, if set, is called instead of serving Responses.
	Respond func(messages []types.Message) (string, error)
	// Err, if non-nil, is returned by every call.
	Err error

	calls []Call
	next  int
}

var _ generate.Generator = (*Generator)(nil)

// Generate implements generate.Generator.
func (g *Generator) Generate(_ context.Context, messages []types.Message, maxTokens int) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp := make([]types.Message, len(messages))
	copy(cp, messages)
	g.calls = append(g.calls, Call{Messages: cp, MaxTokens: maxTokens})

	if g.Err != nil {
		return "", g.Err
	}
	if g.Respond != nil {
		return g.Respond(cp)
	}
	if len(g.Responses) == 0 {
		return "", nil
	}
	r := g.Responses[min(g.next, len(g.Responses)-1)]
	g.next++
	return r, nil
}

// Calls returns a copy of the recorded invocations.
func (g *Generator) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// Reset clears recorded calls and rewinds Responses.
func (g *Generator) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = nil
	g.next = 0
}
