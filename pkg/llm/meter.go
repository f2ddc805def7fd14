package llm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrBudgetExceeded is returned when the session cost ceiling has been
// reached. It is checked before contacting the provider, and it is the
// only error that aborts an agent's decision loop.
var ErrBudgetExceeded = errors.New("session budget exceeded")

// Pricing is the per-million-token cost used for session cost estimates.
type Pricing struct {
	InputPerMTok  float64
	OutputPerMTok float64
}

// UsageSummary is a snapshot of cumulative session usage.
type UsageSummary struct {
	Calls            int     `json:"total_api_calls"`
	InputTokens      int     `json:"total_input_tokens"`
	OutputTokens     int     `json:"total_output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Meter wraps a Client with cumulative usage tracking and a session
// cost ceiling. A ceiling of zero disables the budget check.
type Meter struct {
	client     Client
	pricing    Pricing
	maxCostUSD float64

	mu           sync.Mutex
	calls        int
	inputTokens  int
	outputTokens int
}

// NewMeter wraps client with usage tracking and a budget ceiling.
func NewMeter(client Client, pricing Pricing, maxCostUSD float64) *Meter {
	return &Meter{client: client, pricing: pricing, maxCostUSD: maxCostUSD}
}

// CreateMessage checks the budget, delegates to the wrapped client, and
// records token usage from the response.
func (m *Meter) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	m.mu.Lock()
	cost := m.estimatedCost()
	m.mu.Unlock()

	if m.maxCostUSD > 0 && cost >= m.maxCostUSD {
		return nil, fmt.Errorf("session cost limit reached ($%.2f >= $%.2f): %w",
			cost, m.maxCostUSD, ErrBudgetExceeded)
	}

	resp, err := m.client.CreateMessage(ctx, req)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.calls++
	m.inputTokens += resp.Usage.InputTokens
	m.outputTokens += resp.Usage.OutputTokens
	m.mu.Unlock()

	return resp, nil
}

// Summary returns cumulative usage counters and the cost estimate.
func (m *Meter) Summary() UsageSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	return UsageSummary{
		Calls:            m.calls,
		InputTokens:      m.inputTokens,
		OutputTokens:     m.outputTokens,
		EstimatedCostUSD: m.estimatedCost(),
	}
}

// estimatedCost must be called with mu held.
func (m *Meter) estimatedCost() float64 {
	in := float64(m.inputTokens) * m.pricing.InputPerMTok / 1_000_000
	out := float64(m.outputTokens) * m.pricing.OutputPerMTok / 1_000_000
	return in + out
}
