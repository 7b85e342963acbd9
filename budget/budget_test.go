package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBudget_DefaultsAndDecrement(t *testing.T) {
	b := New(0, 0)
	assert.False(t, b.IsOutOfBudget("d1"))
	assert.Equal(t, DefaultMaxErrors, b.GetRemaining("d1"))

	b.NotifyError("d1")
	assert.True(t, b.IsOutOfBudget("d1"))
	assert.Equal(t, 0, b.GetRemaining("d1"))

	// never goes negative
	b.NotifyError("d1")
	assert.Equal(t, 0, b.GetRemaining("d1"))
}

// Invariant 6 / property test: tumbling, not rolling.
func TestBudget_TumblingWindow(t *testing.T) {
	cur := time.Unix(0, 0)
	b := New(1, 10*time.Second)
	b.SetClock(func() time.Time { return cur })

	b.NotifyError("d1")
	assert.True(t, b.IsOutOfBudget("d1"))

	cur = cur.Add(5 * time.Second)
	assert.True(t, b.IsOutOfBudget("d1"), "window not yet elapsed")

	cur = cur.Add(6 * time.Second) // now 11s after first error
	b.NotifyError("d1")
	assert.Equal(t, DefaultMaxErrors-1, b.GetRemaining("d1"), "window tumbled to max before this error")
}

func TestBudget_Reset(t *testing.T) {
	b := New(1, time.Minute)
	b.NotifyError("d1")
	assert.True(t, b.IsOutOfBudget("d1"))
	b.Reset("d1")
	assert.False(t, b.IsOutOfBudget("d1"))
}

func TestBudget_IndependentDevices(t *testing.T) {
	b := New(1, time.Minute)
	b.NotifyError("d1")
	assert.True(t, b.IsOutOfBudget("d1"))
	assert.False(t, b.IsOutOfBudget("d2"))
}
