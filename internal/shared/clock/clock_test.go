package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeAdvanceMovesBothSources(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(90 * time.Second)

	assert.Equal(t, start.Add(90*time.Second), f.Now())
	assert.Equal(t, 90*time.Second, f.Monotonic())
}

func TestFakeStepWallLeavesMonotonicUntouched(t *testing.T) {
	start := time.Date(2026, 1, 2, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)
	f.Advance(time.Minute)

	f.StepWall(-2 * time.Hour)

	assert.Equal(t, start.Add(time.Minute).Add(-2*time.Hour), f.Now())
	assert.Equal(t, time.Minute, f.Monotonic())
}

func TestSystemMonotonicAdvances(t *testing.T) {
	c := System()
	before := c.Monotonic()
	time.Sleep(time.Millisecond)
	assert.Greater(t, c.Monotonic(), before)
}
