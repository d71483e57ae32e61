package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusTimeout, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
		{StatusTimeout, StatusFailed, false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, CanTransition(c.from, c.to), "%s -> %s", c.from, c.to)
	}
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
	assert.True(t, StatusTimeout.IsTerminal())
}

func TestInstanceMetricsRates(t *testing.T) {
	var empty InstanceMetrics
	assert.Equal(t, 0.0, empty.ErrorRate())
	assert.Equal(t, 0.0, empty.TimeoutRate())

	m := InstanceMetrics{Total: 4, Failed: 1, Timeout: 1}
	assert.Equal(t, 0.25, m.ErrorRate())
	assert.Equal(t, 0.25, m.TimeoutRate())
}

func TestResolutionFloor(t *testing.T) {
	ts := time.Date(2026, 7, 31, 14, 37, 52, 123, time.UTC)

	assert.Equal(t, time.Date(2026, 7, 31, 14, 37, 0, 0, time.UTC), ResolutionMinute.Floor(ts))
	assert.Equal(t, time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC), ResolutionHour.Floor(ts))
	assert.Equal(t, time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC), ResolutionDay.Floor(ts))
	assert.Equal(t, time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC), ResolutionMonth.Floor(ts))
}
