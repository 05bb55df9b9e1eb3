package testutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManualClock_StartsAtEpoch(t *testing.T) {
	c := NewManualClock(time.Time{})
	assert.Equal(t, Epoch, c.Now())
}

func TestManualClock_FiresInDeadlineOrder(t *testing.T) {
	c := NewManualClock(time.Time{})
	var order []string
	c.AfterFunc(3*time.Second, func() { order = append(order, "c") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "a") })
	c.AfterFunc(1*time.Second, func() { order = append(order, "b") })
	assert.Equal(t, 3, c.Pending())

	c.Advance(2 * time.Second)
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, Epoch.Add(2*time.Second), c.Now())

	c.Advance(time.Second)
	assert.Equal(t, []string{"a", "b", "c"}, order)
	assert.Equal(t, 0, c.Pending())
}

func TestManualClock_NowDuringCallback(t *testing.T) {
	c := NewManualClock(time.Time{})
	var seen time.Time
	c.AfterFunc(500*time.Millisecond, func() { seen = c.Now() })
	c.Advance(time.Minute)
	assert.Equal(t, Epoch.Add(500*time.Millisecond), seen)
	assert.Equal(t, Epoch.Add(time.Minute), c.Now())
}

func TestManualClock_ChainedTimersFireInSameAdvance(t *testing.T) {
	c := NewManualClock(time.Time{})
	fired := 0
	var chain func()
	chain = func() {
		fired++
		if fired < 3 {
			c.AfterFunc(time.Second, chain)
		}
	}
	c.AfterFunc(time.Second, chain)
	c.Advance(10 * time.Second)
	assert.Equal(t, 3, fired)
}

func TestManualClock_Stop(t *testing.T) {
	c := NewManualClock(time.Time{})
	tm := c.AfterFunc(time.Second, func() { t.Error("stopped timer fired") })
	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	c.Advance(time.Minute)
}

func TestManualClock_AdvanceToNext(t *testing.T) {
	c := NewManualClock(time.Time{})
	assert.False(t, c.AdvanceToNext())

	n := 0
	c.AfterFunc(1500*time.Millisecond, func() { n++ })
	d, ok := c.NextDeadline()
	require.True(t, ok)
	assert.Equal(t, 1500*time.Millisecond, d)

	assert.True(t, c.AdvanceToNext())
	assert.Equal(t, 1, n)
	assert.Equal(t, Epoch.Add(1500*time.Millisecond), c.Now())
}

func TestManualClock_BlockUntil(t *testing.T) {
	c := NewManualClock(time.Time{})
	go c.AfterFunc(time.Second, func() {})

	done := make(chan struct{})
	go func() {
		c.BlockUntil(1)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("BlockUntil did not return")
	}
}
