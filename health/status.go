// Package health tracks the liveness of pipeline stages for the
// orchestrator's health endpoint. Stages are healthy while their process
// runs, degraded while a coordinated stop is in flight, and unhealthy
// after an unexpected death.
package health

import (
	"time"
)

// Status is the health of one stage or of the pipeline as a whole.
type Status struct {
	Stage       string    `json:"stage"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "degraded", "unhealthy"
	Message     string    `json:"message,omitempty"`
	PID         int       `json:"pid,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == "healthy" }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == "degraded" }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == "unhealthy" }

// NewHealthy creates a healthy status
func NewHealthy(stage, message string) Status {
	return Status{
		Stage:     stage,
		Healthy:   true,
		Status:    "healthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewUnhealthy creates an unhealthy status
func NewUnhealthy(stage, message string) Status {
	return Status{
		Stage:     stage,
		Status:    "unhealthy",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewDegraded creates a degraded status
func NewDegraded(stage, message string) Status {
	return Status{
		Stage:     stage,
		Status:    "degraded",
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Aggregate folds per-stage statuses into one pipeline status. Any
// unhealthy stage makes the pipeline unhealthy; otherwise any degraded
// stage makes it degraded.
func Aggregate(name string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(name, "no stages tracked")
	}

	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(name, "one or more stages are unhealthy")
	case hasDegraded:
		status = NewDegraded(name, "one or more stages are stopping")
	default:
		status = NewHealthy(name, "all stages are healthy")
	}
	status.SubStatuses = make([]Status, len(subStatuses))
	copy(status.SubStatuses, subStatuses)
	return status
}
