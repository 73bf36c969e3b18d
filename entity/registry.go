package entity

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// State is the externally visible condition of one entity: a primary value
// plus free-form attributes. An unavailable entity keeps its last value but
// consumers are expected to treat it as stale.
type State struct {
	Value       string
	Attributes  map[string]interface{}
	Available   bool
	LastChanged time.Time
	LastUpdated time.Time
}

func (s *State) clone() *State {
	if s == nil {
		return nil
	}
	copied := &State{
		Value:       s.Value,
		Available:   s.Available,
		LastChanged: s.LastChanged,
		LastUpdated: s.LastUpdated,
	}
	if len(s.Attributes) > 0 {
		copied.Attributes = make(map[string]interface{}, len(s.Attributes))
		for k, v := range s.Attributes {
			copied.Attributes[k] = v
		}
	}
	return copied
}

// Change describes a single entity transition delivered to subscribers.
// Old is nil when the entity appears for the first time.
type Change struct {
	EntityID string
	Old      *State
	New      *State
}

// Subscriber receives entity transitions. Subscribers run synchronously on
// the event loop; they must not block.
type Subscriber func(Change)

// Registry holds the current state of every known entity and fans out
// transitions to subscribers. Writes are expected to happen on the event
// loop; the internal lock only guards snapshot readers on other goroutines.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*State
	subs   map[int]Subscriber
	nextID int
	now    func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		states: make(map[string]*State),
		subs:   make(map[int]Subscriber),
		now:    time.Now,
	}
}

// Subscribe registers a transition subscriber and returns a detach function.
func (r *Registry) Subscribe(sub Subscriber) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = sub
	r.mu.Unlock()
	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// SetState records a new state for the entity and notifies subscribers when
// the value or availability changed. Attribute-only updates bump LastUpdated
// without firing transition subscribers, mirroring how state triggers are
// expected to behave.
func (r *Registry) SetState(id, value string, attrs map[string]interface{}, available bool) {
	if id == "" {
		return
	}
	ts := r.now()

	r.mu.Lock()
	old := r.states[id]
	next := &State{Value: value, Attributes: attrs, Available: available, LastUpdated: ts}
	if old != nil && old.Value == value && old.Available == available {
		next.LastChanged = old.LastChanged
	} else {
		next.LastChanged = ts
	}
	r.states[id] = next
	changed := old == nil || old.Value != value || old.Available != available
	var subs []Subscriber
	if changed {
		subs = make([]Subscriber, 0, len(r.subs))
		for _, sub := range r.subs {
			subs = append(subs, sub)
		}
	}
	oldCopy := old.clone()
	newCopy := next.clone()
	r.mu.Unlock()

	for _, sub := range subs {
		sub(Change{EntityID: id, Old: oldCopy, New: newCopy})
	}
}

// Get returns a copy of the entity state, or nil when unknown.
func (r *Registry) Get(id string) *State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.states[id].clone()
}

// Snapshot copies all current states, keyed by entity id.
func (r *Registry) Snapshot() map[string]*State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*State, len(r.states))
	for id, state := range r.states {
		out[id] = state.clone()
	}
	return out
}

// IDs returns all known entity ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.states))
	for id := range r.states {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateID rejects ids that do not follow the domain.object_id convention.
func ValidateID(id string) error {
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '_' || c == '.' {
			continue
		}
		return fmt.Errorf("invalid entity id %q", id)
	}
	dot := -1
	for i := 0; i < len(id); i++ {
		if id[i] == '.' {
			if dot >= 0 {
				return fmt.Errorf("invalid entity id %q", id)
			}
			dot = i
		}
	}
	if dot <= 0 || dot == len(id)-1 {
		return fmt.Errorf("invalid entity id %q", id)
	}
	return nil
}
