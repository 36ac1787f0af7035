package broadcast

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/reelworks/reel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndEmit(t *testing.T) {
	b := New(10, time.Hour)
	runID := uuid.New()

	sub, err := b.Register(runID)
	require.NoError(t, err)

	b.Emit(runID, Event{Type: EventStepStart, Data: StepStartPayload{Step: domain.StepTTSGenerate}})

	ev := <-sub.C
	assert.Equal(t, EventStepStart, ev.Type)
}

func TestSubscriberCapEnforced(t *testing.T) {
	b := New(2, time.Hour)
	runID := uuid.New()

	_, err := b.Register(runID)
	require.NoError(t, err)
	_, err = b.Register(runID)
	require.NoError(t, err)

	_, err = b.Register(runID)
	assert.ErrorIs(t, err, ErrTooManySubscribers)
}

func TestTwoSubscribersSeeSameOrder(t *testing.T) {
	b := New(10, time.Hour)
	runID := uuid.New()

	s1, err := b.Register(runID)
	require.NoError(t, err)
	s2, err := b.Register(runID)
	require.NoError(t, err)

	for _, step := range domain.Steps {
		b.Emit(runID, Event{Type: EventStepEnd, Data: StepEndPayload{Step: step}})
	}

	for i := range domain.Steps {
		e1 := <-s1.C
		e2 := <-s2.C
		assert.Equal(t, e1.Data, e2.Data, "event %d diverged", i)
	}
}

func TestUnregisterClosesChannel(t *testing.T) {
	b := New(10, time.Hour)
	runID := uuid.New()

	sub, err := b.Register(runID)
	require.NoError(t, err)
	b.Unregister(sub)

	_, open := <-sub.C
	assert.False(t, open)
	assert.Equal(t, 0, b.SubscriberCount(runID))

	// Emitting to a run with no subscribers is a no-op.
	b.Emit(runID, Event{Type: EventHeartbeat})
}

func TestSlowSubscriberDropped(t *testing.T) {
	b := New(10, time.Hour)
	runID := uuid.New()

	sub, err := b.Register(runID)
	require.NoError(t, err)

	// Fill the buffer and then one more; the overflowing emit drops the subscriber.
	for i := 0; i < subscriberBuffer+1; i++ {
		b.Emit(runID, Event{Type: EventHeartbeat})
	}

	// Drain what was buffered; the channel must end up closed.
	for range sub.C {
	}
	assert.Equal(t, 0, b.SubscriberCount(runID))
}

func TestHeartbeatOnSilence(t *testing.T) {
	b := New(10, 20*time.Millisecond)
	runID := uuid.New()

	sub, err := b.Register(runID)
	require.NoError(t, err)
	defer b.Unregister(sub)

	select {
	case ev := <-sub.C:
		assert.Equal(t, EventHeartbeat, ev.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat received")
	}
}

func TestDrainAllClosesEverything(t *testing.T) {
	b := New(10, time.Hour)
	r1, r2 := uuid.New(), uuid.New()

	s1, err := b.Register(r1)
	require.NoError(t, err)
	s2, err := b.Register(r2)
	require.NoError(t, err)

	b.DrainAll()

	_, open := <-s1.C
	assert.False(t, open)
	_, open = <-s2.C
	assert.False(t, open)
}

func TestPushDeliversDirectly(t *testing.T) {
	b := New(10, time.Hour)
	runID := uuid.New()

	sub, err := b.Register(runID)
	require.NoError(t, err)

	b.Push(sub, Event{Type: EventState, Data: StatePayload{Status: domain.RunStatusRunning, Progress: 25}})

	ev := <-sub.C
	require.Equal(t, EventState, ev.Type)
	payload, ok := ev.Data.(StatePayload)
	require.True(t, ok)
	assert.Equal(t, 25, payload.Progress)
}
