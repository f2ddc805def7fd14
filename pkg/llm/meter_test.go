package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClient struct {
	usage Usage
	calls int
}

func (c *fixedClient) CreateMessage(ctx context.Context, req Request) (*Response, error) {
	c.calls++
	return &Response{
		Content:    []Content{TextBlock("ok")},
		StopReason: StopReasonEndTurn,
		Usage:      c.usage,
	}, nil
}

func TestMeterAccumulatesUsage(t *testing.T) {
	client := &fixedClient{usage: Usage{InputTokens: 100, OutputTokens: 50}}
	m := NewMeter(client, Pricing{InputPerMTok: 3.0, OutputPerMTok: 15.0}, 10.0)

	for i := 0; i < 3; i++ {
		_, err := m.CreateMessage(context.Background(), Request{})
		require.NoError(t, err)
	}

	s := m.Summary()
	assert.Equal(t, 3, s.Calls)
	assert.Equal(t, 300, s.InputTokens)
	assert.Equal(t, 150, s.OutputTokens)
	assert.InDelta(t, 300*3.0/1e6+150*15.0/1e6, s.EstimatedCostUSD, 1e-9)
}

func TestMeterBudgetCeiling(t *testing.T) {
	// Each call costs $1 in output tokens against a $2 ceiling.
	client := &fixedClient{usage: Usage{OutputTokens: 1_000_000}}
	m := NewMeter(client, Pricing{OutputPerMTok: 1.0}, 2.0)

	_, err := m.CreateMessage(context.Background(), Request{})
	require.NoError(t, err)
	_, err = m.CreateMessage(context.Background(), Request{})
	require.NoError(t, err)

	// Third call is refused before reaching the provider.
	_, err = m.CreateMessage(context.Background(), Request{})
	require.ErrorIs(t, err, ErrBudgetExceeded)
	assert.Equal(t, 2, client.calls)
}

func TestMeterZeroCeilingDisablesBudget(t *testing.T) {
	client := &fixedClient{usage: Usage{OutputTokens: 10_000_000}}
	m := NewMeter(client, Pricing{OutputPerMTok: 100.0}, 0)

	for i := 0; i < 5; i++ {
		_, err := m.CreateMessage(context.Background(), Request{})
		require.NoError(t, err)
	}
	assert.Equal(t, 5, client.calls)
}
