// Package fleet provides the agent registry the rollout controller works
// against.
//
// Agents self-register with their full reference, rollout wave, and the
// migration flag they were started with. The controller reads wave
// membership, watches re-registrations after restarts, and verifies a
// wave converged on the expected flag value.
package fleet

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/agentfleet/relay/identity"
)

// Common errors.
var (
	ErrNotFound     = errors.New("agent not registered")
	ErrClosed       = errors.New("registry closed")
	ErrInvalidEntry = errors.New("invalid registry entry")
)

// Status represents an agent's operational state.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusDraining Status = "draining"
	StatusStopped  Status = "stopped"
)

// AgentEntry is one agent's registration.
type AgentEntry struct {
	// Ref is the agent's full reference; the stable id is the registry key.
	Ref identity.AgentReference

	// Wave is the rollout wave this agent belongs to.
	Wave int

	// UnifiedEnabled is the migration flag the process was started with.
	// It only changes across restarts, so watching re-registrations shows
	// rollout and rollback progress.
	UnifiedEnabled bool

	// Status is the agent's current operational state.
	Status Status

	// LastSeen is when the agent last refreshed its registration.
	LastSeen time.Time
}

type entryJSON struct {
	Ref            string    `json:"ref"`
	Wave           int       `json:"wave"`
	UnifiedEnabled bool      `json:"unified_enabled"`
	Status         Status    `json:"status"`
	LastSeen       time.Time `json:"last_seen"`
}

// MarshalJSON serializes the reference in its header form.
func (e AgentEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal(entryJSON{
		Ref:            e.Ref.ToHeaderValue(),
		Wave:           e.Wave,
		UnifiedEnabled: e.UnifiedEnabled,
		Status:         e.Status,
		LastSeen:       e.LastSeen,
	})
}

// UnmarshalJSON restores the reference from its header form.
func (e *AgentEntry) UnmarshalJSON(data []byte) error {
	var raw entryJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	ref, err := identity.ParseHeaderValue(raw.Ref)
	if err != nil {
		return err
	}
	e.Ref = ref
	e.Wave = raw.Wave
	e.UnifiedEnabled = raw.UnifiedEnabled
	e.Status = raw.Status
	e.LastSeen = raw.LastSeen
	return nil
}

// Filter specifies criteria for listing agents.
type Filter struct {
	// Wave filters to one rollout wave. Nil means all waves.
	Wave *int

	// Status filters by operational state. Empty means all.
	Status Status

	// UnifiedEnabled filters by migration flag. Nil means both.
	UnifiedEnabled *bool
}

// EventType represents the type of registry event.
type EventType string

const (
	EventAdded   EventType = "added"
	EventUpdated EventType = "updated"
	EventRemoved EventType = "removed"
)

// Event represents a change in the registry.
type Event struct {
	// Type indicates what happened.
	Type EventType

	// ID is always set, including for removals.
	ID identity.AgentID

	// Entry is the registration; zero for removals where the last state
	// is unknown.
	Entry AgentEntry
}

// Registry provides agent registration and wave membership.
type Registry interface {
	// Register adds or refreshes an agent's registration.
	Register(entry AgentEntry) error

	// Deregister removes an agent.
	// Returns ErrNotFound if the agent isn't registered.
	Deregister(id identity.AgentID) error

	// Get retrieves one agent by stable id.
	Get(id identity.AgentID) (*AgentEntry, error)

	// List returns all agents matching the optional filter.
	// Pass nil for no filtering.
	List(filter *Filter) ([]AgentEntry, error)

	// Wave returns the members of one rollout wave, sorted by id.
	Wave(n int) ([]AgentEntry, error)

	// Watch returns a channel of registry events.
	// The channel is closed when the registry is closed.
	Watch() (<-chan Event, error)

	// Close shuts down the registry client.
	Close() error
}

// ValidateEntry checks if a registration is complete.
func ValidateEntry(entry AgentEntry) error {
	if entry.Ref.IsZero() {
		return ErrInvalidEntry
	}
	if entry.Wave < 0 {
		return ErrInvalidEntry
	}
	return nil
}

// MatchesFilter checks if an entry matches the filter criteria.
func MatchesFilter(entry AgentEntry, filter *Filter) bool {
	if filter == nil {
		return true
	}

	if filter.Wave != nil && entry.Wave != *filter.Wave {
		return false
	}

	if filter.Status != "" && entry.Status != filter.Status {
		return false
	}

	if filter.UnifiedEnabled != nil && entry.UnifiedEnabled != *filter.UnifiedEnabled {
		return false
	}

	return true
}
