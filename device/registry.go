package device

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry maps device identifiers to their live session.
// At most one session is registered per identifier.
type Registry struct {
	sessions cmap.ConcurrentMap[string, *Session]
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: cmap.New[*Session]()}
}

// Register maps the session's identifier to s and returns the session it
// replaced, if any.
func (r *Registry) Register(s *Session) (prev *Session) {
	id := s.ID()
	r.sessions.Upsert(id, s, func(exist bool, inMap, next *Session) *Session {
		if exist && inMap != next {
			prev = inMap
		}
		return next
	})
	return prev
}

// Remove deletes id only while it still maps to s.
func (r *Registry) Remove(id string, s *Session) bool {
	return r.sessions.RemoveCb(id, func(_ string, v *Session, exists bool) bool {
		return exists && v == s
	})
}

// Get returns the live session of a device.
func (r *Registry) Get(id string) (*Session, bool) {
	return r.sessions.Get(id)
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return r.sessions.Count()
}

// Snapshot returns the registered sessions ordered by identifier.
func (r *Registry) Snapshot() []*Session {
	items := r.sessions.Items()
	out := make([]*Session, 0, len(items))
	for _, s := range items {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// IDs returns the registered identifiers, sorted.
func (r *Registry) IDs() []string {
	ids := r.sessions.Keys()
	sort.Strings(ids)
	return ids
}

// ByService returns the sessions owned by one service.
func (r *Registry) ByService(service string) []*Session {
	var out []*Session
	for _, s := range r.Snapshot() {
		if s.Service() == service {
			out = append(out, s)
		}
	}
	return out
}
