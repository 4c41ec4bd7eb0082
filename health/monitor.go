package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Check computes a status on demand.
type Check func() Status

// Monitor collects pushed statuses and registered checks.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]Check
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]Check),
	}
}

// Update stores the latest status of name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[name] = status
}

// AddCheck registers fn, evaluated on every Aggregate. It replaces a
// pushed status of the same name.
func (m *Monitor) AddCheck(name string, fn Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	m.checks[name] = fn
}

// Remove forgets name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Get returns the current status of name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	fn, isCheck := m.checks[name]
	s, ok := m.statuses[name]
	m.mu.RUnlock()
	if isCheck {
		s = fn()
		s.Component = name
		return s, true
	}
	return s, ok
}

// Aggregate evaluates every check and folds all statuses under system.
func (m *Monitor) Aggregate(system string) Status {
	m.mu.RLock()
	subs := make([]Status, 0, len(m.statuses)+len(m.checks))
	for _, s := range m.statuses {
		subs = append(subs, s)
	}
	checks := make(map[string]Check, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	m.mu.RUnlock()

	for name, fn := range checks {
		s := fn()
		s.Component = name
		subs = append(subs, s)
	}
	return Aggregate(system, subs)
}

// Handler serves the aggregate as JSON, with 503 when unhealthy.
func (m *Monitor) Handler(system string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s := m.Aggregate(system)
		w.Header().Set("Content-Type", "application/json")
		if s.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(s)
	})
}
