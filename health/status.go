// Package health reports whether the parts of a Karabo process work: broker
// sessions, the device server and its devices. Statuses nest; Aggregate
// folds children into a parent.
package health

import (
	"regexp"
	"sort"
	"time"
)

var (
	urlRegex        = regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^\s]+`)
	ipAddrRegex     = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}(:\d+)?\b`)
	credentialRegex = regexp.MustCompile(`(?i)(password|token|secret|credential)[^a-zA-Z]*[:=][^,\s}]+`)
)

// Status values.
const (
	Healthy   = "healthy"
	Degraded  = "degraded"
	Unhealthy = "unhealthy"
)

// Status is the health of one component.
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy reports a healthy status.
func (s Status) IsHealthy() bool { return s.Status == Healthy }

// IsDegraded reports a degraded status.
func (s Status) IsDegraded() bool { return s.Status == Degraded }

// IsUnhealthy reports an unhealthy status.
func (s Status) IsUnhealthy() bool { return s.Status == Unhealthy }

func newStatus(component, status, message string) Status {
	return Status{
		Component: component,
		Healthy:   status == Healthy,
		Status:    status,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return newStatus(component, Healthy, message)
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return newStatus(component, Degraded, message)
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return newStatus(component, Unhealthy, message)
}

// FromError creates an unhealthy status from err with broker URLs,
// addresses and credentials masked.
func FromError(component string, err error) Status {
	return NewUnhealthy(component, sanitize(err.Error()))
}

func sanitize(msg string) string {
	msg = urlRegex.ReplaceAllString(msg, "[URL]")
	msg = ipAddrRegex.ReplaceAllString(msg, "[IP]")
	return credentialRegex.ReplaceAllString(msg, "[REDACTED]")
}

// Aggregate folds subs into one status: unhealthy if any is unhealthy,
// otherwise degraded if any is degraded, otherwise healthy. Sub-statuses
// are kept sorted by component.
func Aggregate(component string, subs []Status) Status {
	var unhealthy, degraded int
	for _, sub := range subs {
		switch {
		case sub.IsUnhealthy():
			unhealthy++
		case sub.IsDegraded():
			degraded++
		}
	}
	var s Status
	switch {
	case unhealthy > 0:
		s = NewUnhealthy(component, "One or more components are unhealthy")
	case degraded > 0:
		s = NewDegraded(component, "One or more components are degraded")
	default:
		s = NewHealthy(component, "All components are healthy")
	}
	if len(subs) > 0 {
		s.SubStatuses = append([]Status(nil), subs...)
		sort.Slice(s.SubStatuses, func(i, j int) bool {
			return s.SubStatuses[i].Component < s.SubStatuses[j].Component
		})
	}
	return s
}
