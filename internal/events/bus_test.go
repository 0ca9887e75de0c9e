package events

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_PublishToWebhookAndWildcard(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var scoped, wildcard, other atomic.Int32
	bus.Subscribe("wh_1", func(ctx context.Context, e *Event) { scoped.Add(1) })
	bus.Subscribe("*", func(ctx context.Context, e *Event) { wildcard.Add(1) })
	bus.Subscribe("wh_2", func(ctx context.Context, e *Event) { other.Add(1) })

	bus.Publish(ctx, &Event{ID: "e1", WebhookID: "wh_1"})

	require.Equal(t, int32(1), scoped.Load())
	require.Equal(t, int32(1), wildcard.Load())
	require.Equal(t, int32(0), other.Load())
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var calls atomic.Int32
	unsubscribe := bus.Subscribe("wh_1", func(ctx context.Context, e *Event) { calls.Add(1) })

	bus.Publish(ctx, &Event{WebhookID: "wh_1"})
	unsubscribe()
	bus.Publish(ctx, &Event{WebhookID: "wh_1"})

	require.Equal(t, int32(1), calls.Load())
}

func TestBus_HandlerPanicIsContained(t *testing.T) {
	bus := NewBus()
	ctx := context.Background()

	var after atomic.Int32
	bus.Subscribe("wh_1", func(ctx context.Context, e *Event) { panic("boom") })
	bus.Subscribe("*", func(ctx context.Context, e *Event) { after.Add(1) })

	require.NotPanics(t, func() {
		bus.Publish(ctx, &Event{WebhookID: "wh_1"})
	})
	require.Equal(t, int32(1), after.Load())
}

func TestBus_AsStoreListener(t *testing.T) {
	store := NewStore(testDB(t))
	bus := NewBus()
	store.SetListener(bus.Publish)
	ctx := context.Background()

	var seen []Status
	bus.Subscribe("wh_1", func(ctx context.Context, e *Event) { seen = append(seen, e.Status) })

	event := newTestEvent("wh_1")
	require.NoError(t, store.CreateEvent(ctx, event))

	_, err := store.Transition(ctx, event.ID, StatusProcessing, TransitionFields{})
	require.NoError(t, err)
	_, err = store.Transition(ctx, event.ID, StatusCompleted, TransitionFields{})
	require.NoError(t, err)

	require.Equal(t, []Status{StatusProcessing, StatusCompleted}, seen)
}
