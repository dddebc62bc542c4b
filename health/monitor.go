package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Checker is anything that can report its own health, such as a controller
// engine.
type Checker interface {
	Health() Status
}

// Monitor tracks the health of named services. Statuses are either pushed
// with Update or pulled from registered Checkers on every read.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checkers map[string]Checker
}

// NewMonitor creates an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checkers: make(map[string]Checker),
	}
}

// Update stores the status of a service.
func (m *Monitor) Update(name string, status Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.statuses[name] = status
}

func (m *Monitor) UpdateHealthy(name, message string)   { m.Update(name, NewHealthy(name, message)) }
func (m *Monitor) UpdateUnhealthy(name, message string) { m.Update(name, NewUnhealthy(name, message)) }
func (m *Monitor) UpdateDegraded(name, message string)  { m.Update(name, NewDegraded(name, message)) }

// Watch registers a checker polled on every read.
func (m *Monitor) Watch(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// Get returns the status of one service.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	c, watched := m.checkers[name]
	status, ok := m.statuses[name]
	m.mu.RUnlock()

	if watched {
		status = c.Health()
		status.Component = name
		return status, true
	}
	return status, ok
}

// GetAll returns every status keyed by service name.
func (m *Monitor) GetAll() map[string]Status {
	m.mu.RLock()
	result := make(map[string]Status, len(m.statuses)+len(m.checkers))
	for name, status := range m.statuses {
		result[name] = status
	}
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	for name, c := range checkers {
		status := c.Health()
		status.Component = name
		result[name] = status
	}
	return result
}

// Remove stops tracking a service.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checkers, name)
}

// AggregateHealth folds every service into one status, sorted by name.
func (m *Monitor) AggregateHealth(systemName string) Status {
	all := m.GetAll()
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)

	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, all[name])
	}
	return Aggregate(systemName, subs)
}

// Count returns the number of tracked services.
func (m *Monitor) Count() int { return len(m.GetAll()) }

// Handler serves the aggregate status as JSON, with 503 when unhealthy.
func (m *Monitor) Handler(systemName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := m.AggregateHealth(systemName)
		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
