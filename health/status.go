package health

import (
	"fmt"
	"time"

	"github.com/c360/ctxfed/csr"
)

// Status values
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Status represents the health state of a component or system
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
	Metrics     *Metrics  `json:"metrics,omitempty"`
}

// Metrics carries the delivery counters of one context source
type Metrics struct {
	TimesSent   int64      `json:"times_sent"`
	TimesFailed int64      `json:"times_failed"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool { return s.Status == StatusHealthy }

// IsDegraded returns true if the status is degraded
func (s Status) IsDegraded() bool { return s.Status == StatusDegraded }

// IsUnhealthy returns true if the status is unhealthy
func (s Status) IsUnhealthy() bool { return s.Status == StatusUnhealthy }

// WithSubStatus adds a sub-status and returns a copy
func (s Status) WithSubStatus(sub Status) Status {
	subs := make([]Status, len(s.SubStatuses), len(s.SubStatuses)+1)
	copy(subs, s.SubStatuses)
	s.SubStatuses = append(subs, sub)
	return s
}

// NewHealthy creates a new healthy status
func NewHealthy(component, message string) Status {
	return Status{Component: component, Healthy: true, Status: StatusHealthy, Message: message, Timestamp: time.Now()}
}

// NewUnhealthy creates a new unhealthy status
func NewUnhealthy(component, message string) Status {
	return Status{Component: component, Status: StatusUnhealthy, Message: message, Timestamp: time.Now()}
}

// NewDegraded creates a new degraded status
func NewDegraded(component, message string) Status {
	return Status{Component: component, Status: StatusDegraded, Message: message, Timestamp: time.Now()}
}

// FromRegistration derives the health of the source behind reg from its last call outcome.
// A source never called yet is healthy.
func FromRegistration(reg *csr.Registration) Status {
	var s Status
	switch reg.Status {
	case csr.StatusFailed:
		msg := "last call failed"
		if reg.LastFailure != nil {
			msg = fmt.Sprintf("last call failed at %s", reg.LastFailure.Format(time.RFC3339))
		}
		s = NewUnhealthy(reg.ID, msg)
	case csr.StatusOK:
		s = NewHealthy(reg.ID, "last call succeeded")
	default:
		s = NewHealthy(reg.ID, "not called yet")
	}
	s.Metrics = &Metrics{
		TimesSent:   reg.TimesSent,
		TimesFailed: reg.TimesFailed,
		LastSuccess: reg.LastSuccess,
		LastFailure: reg.LastFailure,
	}
	return s
}

// Sources summarises the context sources. Failing sources only degrade the system: reads
// and writes still complete with warnings or batch errors.
func Sources(component string, regs []*csr.Registration) Status {
	subs := make([]Status, 0, len(regs))
	failed := 0
	for _, reg := range regs {
		sub := FromRegistration(reg)
		if !sub.Healthy {
			failed++
		}
		subs = append(subs, sub)
	}

	var s Status
	switch {
	case failed == 0:
		s = NewHealthy(component, fmt.Sprintf("%d context sources healthy", len(regs)))
	default:
		s = NewDegraded(component, fmt.Sprintf("%d of %d context sources failing", failed, len(regs)))
	}
	s.SubStatuses = subs
	return s
}

// Aggregate combines sub-statuses: unhealthy if any is unhealthy, otherwise degraded if
// any is degraded, otherwise healthy.
func Aggregate(component string, subStatuses []Status) Status {
	if len(subStatuses) == 0 {
		return NewHealthy(component, "No sub-components to aggregate")
	}

	hasUnhealthy, hasDegraded := false, false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var s Status
	switch {
	case hasUnhealthy:
		s = NewUnhealthy(component, "One or more components unhealthy")
	case hasDegraded:
		s = NewDegraded(component, "One or more components degraded")
	default:
		s = NewHealthy(component, "All components healthy")
	}
	s.SubStatuses = append([]Status(nil), subStatuses...)
	return s
}
