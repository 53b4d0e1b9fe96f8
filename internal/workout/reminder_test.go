package workout

import (
	"context"
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lowaak/smart-trainer/heart-beat/internal/events"
)

func newTestReminder(t *testing.T) (*Reminder, *events.Subscription[Notification]) {
	t.Helper()
	notifications := events.NewBroadcaster[Notification](events.DefaultBufferSize, false)
	sub := notifications.Subscribe()
	r := NewReminder(notifications, SystemClock(), log.New(io.Discard, "", 0))
	t.Cleanup(func() {
		r.Stop(context.Background())
		notifications.Close()
	})
	return r, sub
}

func TestNewReminder_NilArgsPanic(t *testing.T) {
	notifications := events.NewBroadcaster[Notification](1, false)
	logger := log.New(io.Discard, "", 0)
	assert.PanicsWithValue(t, "Reminder: notifications cannot be nil", func() {
		NewReminder(nil, SystemClock(), logger)
	})
	assert.PanicsWithValue(t, "Reminder: clock cannot be nil", func() {
		NewReminder(notifications, nil, logger)
	})
	assert.PanicsWithValue(t, "Reminder: logger cannot be nil", func() {
		NewReminder(notifications, SystemClock(), nil)
	})
}

func TestReminder_ScheduleRejectsBadInput(t *testing.T) {
	r, _ := newTestReminder(t)

	_, err := r.Schedule(testPlan(), "every tuesday")
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = r.Schedule(Plan{Name: "Empty"}, "@daily")
	assert.ErrorIs(t, err, ErrInvalidPlan)

	assert.Equal(t, 0, r.Len())
}

func TestReminder_AcceptsSecondsAndDescriptors(t *testing.T) {
	r, _ := newTestReminder(t)
	for _, spec := range []string{"0 30 6 * * MON-FRI", "30 6 * * *", "@daily", "@every 90m"} {
		_, err := r.Schedule(testPlan(), spec)
		assert.NoError(t, err, spec)
	}
	assert.Equal(t, 4, r.Len())
}

func TestReminder_FiresWorkoutReady(t *testing.T) {
	r, sub := newTestReminder(t)
	id, err := r.Schedule(testPlan(), "@every 1s")
	require.NoError(t, err)

	r.Start()
	next, ok := r.Next(id)
	require.True(t, ok)
	assert.False(t, next.IsZero())

	select {
	case n := <-sub.C():
		assert.Equal(t, NotifyWorkoutReady, n.Kind)
		assert.Equal(t, "Warmup and Peak", n.PlanName)
		assert.Equal(t, "Workout ready: Warmup and Peak", n.String())
	case <-time.After(3 * time.Second):
		t.Fatal("Timeout waiting for reminder")
	}
}

func TestReminder_Cancel(t *testing.T) {
	r, _ := newTestReminder(t)
	id, err := r.Schedule(testPlan(), "@hourly")
	require.NoError(t, err)

	r.Cancel(id)
	_, ok := r.Next(id)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Len())
}
