// Package mock provides a test double for classify.Classifier.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/chorus/internal/classify"
)

// Call records one Classify invocation.
type Call struct {
	Text       string
	Candidates []classify.Candidate
}

// Classifier is a mock implementation of classify.Classifier. Results are
// served in order and the last one repeats. A nil entry returns (nil, nil).
type Classifier struct {
	mu sync.Mutex

	// Results are returned in order; the last one repeats.
	Results []*classify.Result
	// Respond, if set, is called instead of serving Results.
	Respond func(text string, candidates []classify.Candidate) (*classify.Result, error)
	// Err, if non-nil, is returned by every call.
	Err error

	calls []Call
	next  int
}

var _ classify.Classifier = (*Classifier)(nil)

// Classify implements classify.Classifier.
func (c *Classifier) Classify(_ context.Context, text string, candidates []classify.Candidate) (*classify.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cp := make([]classify.Candidate, len(candidates))
	copy(cp, candidates)
	c.calls = append(c.calls, Call{Text: text, Candidates: cp})

	if c.Err != nil {
		return nil, c.Err
	}
	if c.Respond != nil {
		return c.Respond(text, cp)
	}
	if len(c.Results) == 0 {
		return nil, nil
	}
	r := c.Results[min(c.next, len(c.Results)-1)]
	c.next++
	return r, nil
}

// Calls returns a copy of the recorded invocations.
func (c *Classifier) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}
