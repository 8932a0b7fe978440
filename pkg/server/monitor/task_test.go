package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
)

func TestTaskMonitor_RecordSuccess(t *testing.T) {
	tm := NewTaskMonitor("retention", time.Hour, nil)
	tm.RecordSuccess()

	status := tm.Status()
	assert.True(t, status.Healthy)
	assert.Equal(t, "retention", status.Name)
	assert.Zero(t, status.ConsecutiveErrors)
	assert.Empty(t, status.LastError)
}

func TestTaskMonitor_RecordFailure(t *testing.T) {
	tm := NewTaskMonitor("poller", time.Minute, nil)
	tm.RecordFailure(errors.New("sensor unreachable"))

	status := tm.Status()
	assert.Equal(t, 1, status.ConsecutiveErrors)
	assert.Equal(t, "sensor unreachable", status.LastError)
	assert.NotEmpty(t, status.LastAttempt)
}

func TestTaskMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*TaskMonitor, *clockwork.FakeClock)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*TaskMonitor, *clockwork.FakeClock) {},
			expected: false,
		},
		{
			name: "recent success",
			setup: func(tm *TaskMonitor, _ *clockwork.FakeClock) {
				tm.RecordSuccess()
			},
			expected: true,
		},
		{
			name: "stale success",
			setup: func(tm *TaskMonitor, clock *clockwork.FakeClock) {
				tm.RecordSuccess()
				clock.Advance(2 * time.Hour)
			},
			expected: false,
		},
		{
			name: "tolerates a few failures",
			setup: func(tm *TaskMonitor, _ *clockwork.FakeClock) {
				tm.RecordSuccess()
				tm.RecordFailure(errors.New("error 1"))
				tm.RecordFailure(errors.New("error 2"))
				tm.RecordFailure(errors.New("error 3"))
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(tm *TaskMonitor, _ *clockwork.FakeClock) {
				tm.RecordSuccess()
				for i := 0; i < 4; i++ {
					tm.RecordFailure(errors.New("timeout"))
				}
			},
			expected: false,
		},
		{
			name: "recovers after success",
			setup: func(tm *TaskMonitor, _ *clockwork.FakeClock) {
				for i := 0; i < 5; i++ {
					tm.RecordFailure(errors.New("timeout"))
				}
				tm.RecordSuccess()
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			tm := NewTaskMonitor("task", time.Hour, clock)
			tt.setup(tm, clock)
			assert.Equal(t, tt.expected, tm.IsHealthy())
		})
	}
}
