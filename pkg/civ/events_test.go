package civ

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBusRecent(t *testing.T) {
	b := NewEventBus(10)
	for i := 0; i < 5; i++ {
		b.Emit("tick", map[string]any{"i": i})
	}

	recent := b.Recent(3)
	require.Len(t, recent, 3)
	assert.Equal(t, 2, recent[0].Data["i"])
	assert.Equal(t, 4, recent[2].Data["i"])

	// Asking for more than exists returns everything.
	assert.Len(t, b.Recent(100), 5)
}

func TestEventBusDropsOldest(t *testing.T) {
	b := NewEventBus(3)
	for i := 0; i < 6; i++ {
		b.Emit("tick", map[string]any{"i": i})
	}
	recent := b.Recent(0)
	require.Len(t, recent, 3)
	assert.Equal(t, 3, recent[0].Data["i"])
	assert.Equal(t, 5, recent[2].Data["i"])
}

func TestEventBusRecentByType(t *testing.T) {
	b := NewEventBus(10)
	b.Emit("a", nil)
	b.Emit("b", nil)
	b.Emit("a", nil)

	assert.Len(t, b.RecentByType("a", 10), 2)
	assert.Len(t, b.RecentByType("b", 10), 1)
	assert.Empty(t, b.RecentByType("c", 10))
}

func TestEventBusSubscribers(t *testing.T) {
	b := NewEventBus(10)

	var typed, all []string
	b.On("agent_created", func(ev Event) { typed = append(typed, ev.Type) })
	b.On("*", func(ev Event) { all = append(all, ev.Type) })

	b.Emit("agent_created", nil)
	b.Emit("tool_created", nil)

	assert.Equal(t, []string{"agent_created"}, typed)
	assert.Equal(t, []string{"agent_created", "tool_created"}, all)
}

func TestEventBusHandlerMayQueryBus(t *testing.T) {
	b := NewEventBus(10)
	var seen int
	b.On("*", func(ev Event) { seen = len(b.Recent(0)) })
	for i := 0; i < 3; i++ {
		b.Emit("tick", map[string]any{"i": fmt.Sprint(i)})
	}
	assert.Equal(t, 3, seen)
}
