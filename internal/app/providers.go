package app

import (
	"context"
	"errors"

	"github.com/MrWong99/chorus/internal/observe"
	"github.com/MrWong99/chorus/pkg/provider/llm"
)

// observedProvider counts requests per backend and outcome.
type observedProvider struct {
	llm.Provider
	name    string
	metrics *observe.Metrics
}

func (p *observedProvider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	resp, err := p.Provider.Complete(ctx, req)
	status := "ok"
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = "canceled"
	case err != nil:
		status = "error"
	}
	p.metrics.RecordProviderRequest(ctx, p.name, status)
	return resp, err
}
