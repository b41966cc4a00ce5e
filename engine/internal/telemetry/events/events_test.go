package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	metrics "delver/engine/internal/telemetry/metrics"
)

func TestPublishFansOutToSubscribers(t *testing.T) {
	bus := NewBus(metrics.NewNoopProvider())
	sub, err := bus.Subscribe(4)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, bus.Publish(Event{Category: CategoryPipeline, Type: "stage"}))
	ev := <-sub.C()
	assert.Equal(t, CategoryPipeline, ev.Category)
	assert.False(t, ev.Time.IsZero())
}

func TestPublishRequiresCategory(t *testing.T) {
	bus := NewBus(nil)
	assert.Error(t, bus.Publish(Event{Type: "oops"}))
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	defer func() { _ = sub.Close() }()

	require.NoError(t, bus.Publish(Event{Category: CategoryBudget, Type: "tick"}))
	require.NoError(t, bus.Publish(Event{Category: CategoryBudget, Type: "tick"}))

	stats := bus.Stats()
	assert.Equal(t, uint64(2), stats.Published)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, uint64(1), stats.PerSubscriberDrops[sub.ID()])
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	sub, err := bus.Subscribe(1)
	require.NoError(t, err)
	require.NoError(t, bus.Unsubscribe(sub))
	_, open := <-sub.C()
	assert.False(t, open)
	assert.Equal(t, int64(0), bus.Stats().Subscribers)
}
