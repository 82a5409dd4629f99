package fleet

import (
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/relay/identity"
)

// MemoryRegistry is an in-memory implementation of Registry.
// Suitable for testing and single-node deployments.
type MemoryRegistry struct {
	mu       sync.RWMutex
	agents   map[string]AgentEntry
	watchers []chan Event
	closed   bool

	// TTL for stale entry detection. Zero means no expiry.
	ttl time.Duration
}

// MemoryConfig configures the in-memory registry.
type MemoryConfig struct {
	// TTL specifies how long before a registration is considered stale.
	// Zero means entries never expire.
	TTL time.Duration
}

// NewMemoryRegistry creates a new in-memory registry.
func NewMemoryRegistry(cfg MemoryConfig) *MemoryRegistry {
	r := &MemoryRegistry{
		agents:   make(map[string]AgentEntry),
		watchers: make([]chan Event, 0),
		ttl:      cfg.TTL,
	}

	if cfg.TTL > 0 {
		go r.cleanupLoop()
	}

	return r
}

// Register adds or refreshes an agent's registration.
func (r *MemoryRegistry) Register(entry AgentEntry) error {
	if err := ValidateEntry(entry); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	entry.LastSeen = time.Now()

	key := entry.Ref.ID().String()
	_, exists := r.agents[key]
	r.agents[key] = entry

	eventType := EventAdded
	if exists {
		eventType = EventUpdated
	}
	r.notifyWatchers(Event{Type: eventType, ID: entry.Ref.ID(), Entry: entry})

	return nil
}

// Deregister removes an agent.
func (r *MemoryRegistry) Deregister(id identity.AgentID) error {
	if id.IsZero() {
		return ErrInvalidEntry
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}

	entry, exists := r.agents[id.String()]
	if !exists {
		return ErrNotFound
	}

	delete(r.agents, id.String())
	r.notifyWatchers(Event{Type: EventRemoved, ID: id, Entry: entry})

	return nil
}

// Get retrieves one agent by stable id.
func (r *MemoryRegistry) Get(id identity.AgentID) (*AgentEntry, error) {
	if id.IsZero() {
		return nil, ErrInvalidEntry
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	entry, exists := r.agents[id.String()]
	if !exists {
		return nil, ErrNotFound
	}

	if r.ttl > 0 && time.Since(entry.LastSeen) > r.ttl {
		return nil, ErrNotFound
	}

	return &entry, nil
}

// List returns all agents matching the filter.
func (r *MemoryRegistry) List(filter *Filter) ([]AgentEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		return nil, ErrClosed
	}

	var result []AgentEntry
	now := time.Now()

	for _, entry := range r.agents {
		if r.ttl > 0 && now.Sub(entry.LastSeen) > r.ttl {
			continue
		}
		if MatchesFilter(entry, filter) {
			result = append(result, entry)
		}
	}

	sortEntries(result)
	return result, nil
}

// Wave returns the members of one rollout wave.
func (r *MemoryRegistry) Wave(n int) ([]AgentEntry, error) {
	return r.List(&Filter{Wave: &n})
}

// Watch returns a channel of registry events.
func (r *MemoryRegistry) Watch() (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	ch := make(chan Event, 64)
	r.watchers = append(r.watchers, ch)

	return ch, nil
}

// Close shuts down the registry.
func (r *MemoryRegistry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	r.closed = true

	for _, ch := range r.watchers {
		close(ch)
	}
	r.watchers = nil

	return nil
}

// notifyWatchers sends an event to all watchers.
// Must be called with lock held.
func (r *MemoryRegistry) notifyWatchers(event Event) {
	for _, ch := range r.watchers {
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}
}

// cleanupLoop periodically removes stale entries.
func (r *MemoryRegistry) cleanupLoop() {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()

	for range ticker.C {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}

		now := time.Now()
		var stale []string

		for key, entry := range r.agents {
			if now.Sub(entry.LastSeen) > r.ttl {
				stale = append(stale, key)
			}
		}

		for _, key := range stale {
			entry := r.agents[key]
			delete(r.agents, key)
			r.notifyWatchers(Event{Type: EventRemoved, ID: entry.Ref.ID(), Entry: entry})
		}

		r.mu.Unlock()
	}
}

// sortEntries orders by stable id for consistent output.
func sortEntries(entries []AgentEntry) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Ref.ID().String() < entries[j].Ref.ID().String()
	})
}
