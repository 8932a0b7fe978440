package monitor

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MaxConsecutiveErrors is how many failures in a row a task may have
// before it is reported unhealthy.
const MaxConsecutiveErrors = 3

// TaskMonitor tracks the health of a recurring background task
// (the poll loop, retention) for the health endpoint.
type TaskMonitor struct {
	name       string
	staleAfter time.Duration
	clock      clockwork.Clock

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
}

// NewTaskMonitor creates a monitor that reports unhealthy when the task has
// not succeeded within staleAfter.
func NewTaskMonitor(name string, staleAfter time.Duration, clock clockwork.Clock) *TaskMonitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TaskMonitor{name: name, staleAfter: staleAfter, clock: clock}
}

// Name returns the task name
func (tm *TaskMonitor) Name() string {
	return tm.name
}

// RecordSuccess records a successful run.
func (tm *TaskMonitor) RecordSuccess() {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	now := tm.clock.Now()
	tm.lastSuccess = now
	tm.lastAttempt = now
	tm.consecutiveErrors = 0
	tm.lastError = ""
}

// RecordFailure records a failed run.
func (tm *TaskMonitor) RecordFailure(err error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.lastAttempt = tm.clock.Now()
	tm.consecutiveErrors++
	if err != nil {
		tm.lastError = err.Error()
	}
}

// IsHealthy returns true if the task is working properly.
// Unhealthy conditions:
//   - Never succeeded
//   - Haven't succeeded within staleAfter
//   - More than MaxConsecutiveErrors consecutive failures
func (tm *TaskMonitor) IsHealthy() bool {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	return tm.healthy()
}

func (tm *TaskMonitor) healthy() bool {
	if tm.lastSuccess.IsZero() {
		return false
	}
	if tm.clock.Since(tm.lastSuccess) > tm.staleAfter {
		return false
	}
	if tm.consecutiveErrors > MaxConsecutiveErrors {
		return false
	}
	return true
}

// TaskStatus is a task's state for health checks.
type TaskStatus struct {
	Name              string `json:"name"`
	Healthy           bool   `json:"healthy"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns current task status for health checks.
func (tm *TaskMonitor) Status() TaskStatus {
	tm.mu.RLock()
	defer tm.mu.RUnlock()

	status := TaskStatus{
		Name:    tm.name,
		Healthy: tm.healthy(),
	}

	if !tm.lastSuccess.IsZero() {
		status.LastSuccess = tm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = tm.clock.Since(tm.lastSuccess).String()
	}

	if !tm.lastAttempt.IsZero() {
		status.LastAttempt = tm.lastAttempt.Format(time.RFC3339)
	}

	if tm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = tm.consecutiveErrors
		status.LastError = tm.lastError
	}

	return status
}
