package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestManualClock_DelayFiresOnAdvance(t *testing.T) {
	c := NewManualClock(t0)
	fired := 0
	c.AddDelay("d", 10*time.Second, func() { fired++ })

	c.Advance(9 * time.Second)
	assert.Equal(t, 0, fired)
	assert.True(t, c.Pending("d"))

	c.Advance(time.Second)
	assert.Equal(t, 1, fired)
	assert.False(t, c.Pending("d"))

	c.Advance(time.Minute)
	assert.Equal(t, 1, fired, "delay is one-shot")
}

func TestManualClock_TickerFiresRepeatedly(t *testing.T) {
	c := NewManualClock(t0)
	fired := 0
	c.AddTicker("t", 30*time.Second, func() { fired++ })

	c.Advance(2 * time.Minute)
	assert.Equal(t, 4, fired)
	assert.True(t, c.Pending("t"))
}

func TestManualClock_ChronologicalOrder(t *testing.T) {
	c := NewManualClock(t0)
	var order []string
	c.AddDelay("late", 20*time.Second, func() { order = append(order, "late") })
	c.AddDelay("early", 5*time.Second, func() { order = append(order, "early") })
	c.AddTicker("tick", 8*time.Second, func() { order = append(order, "tick") })

	c.Advance(20 * time.Second)
	assert.Equal(t, []string{"early", "tick", "tick", "late"}, order)
}

func TestManualClock_RemoveCancels(t *testing.T) {
	c := NewManualClock(t0)
	fired := false
	c.AddDelay("d", time.Second, func() { fired = true })
	c.Remove("d")
	c.Advance(time.Minute)
	assert.False(t, fired)
}

func TestManualClock_TaskCanScheduleTask(t *testing.T) {
	c := NewManualClock(t0)
	var second bool
	c.AddDelay("first", time.Second, func() {
		c.AddDelay("second", time.Second, func() { second = true })
	})
	c.Advance(2 * time.Second)
	assert.True(t, second, "task scheduled from inside a task fires in the same Advance")
}

func TestManualClock_NowTracksFiring(t *testing.T) {
	c := NewManualClock(t0)
	var at time.Time
	c.AddDelay("d", 42*time.Second, func() { at = c.Now() })
	c.Advance(time.Minute)
	assert.Equal(t, t0.Add(42*time.Second), at, "Now() inside a task is the task's due time")
	assert.Equal(t, t0.Add(time.Minute), c.Now())
}
