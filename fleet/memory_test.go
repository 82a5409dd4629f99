package fleet

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/agentfleet/relay/identity"
)

func testEntry(t *testing.T, cluster identity.CapabilityCluster, name string, wave int, unified bool) AgentEntry {
	t.Helper()
	n, err := identity.NewAgentName(name)
	if err != nil {
		t.Fatalf("NewAgentName(%q) error: %v", name, err)
	}
	ref, err := identity.NewAgentReference(cluster, n, identity.NewAgentID())
	if err != nil {
		t.Fatalf("NewAgentReference error: %v", err)
	}
	return AgentEntry{
		Ref:            ref,
		Wave:           wave,
		UnifiedEnabled: unified,
		Status:         StatusRunning,
	}
}

// --- Unit Tests ---

func TestValidateEntry(t *testing.T) {
	entry := testEntry(t, identity.Orchestration, "sage", 0, false)

	if err := ValidateEntry(entry); err != nil {
		t.Errorf("ValidateEntry error: %v", err)
	}
	if err := ValidateEntry(AgentEntry{}); err != ErrInvalidEntry {
		t.Errorf("zero entry: got %v, want ErrInvalidEntry", err)
	}

	entry.Wave = -1
	if err := ValidateEntry(entry); err != ErrInvalidEntry {
		t.Errorf("negative wave: got %v, want ErrInvalidEntry", err)
	}
}

func TestAgentEntry_JSONRoundTrip(t *testing.T) {
	entry := testEntry(t, identity.Infrastructure, "nats-expert", 2, true)
	entry.LastSeen = time.Now().UTC().Truncate(time.Second)

	data, err := json.Marshal(entry)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var got AgentEntry
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if got.Ref.ToHeaderValue() != entry.Ref.ToHeaderValue() {
		t.Errorf("Ref = %q, want %q", got.Ref.ToHeaderValue(), entry.Ref.ToHeaderValue())
	}
	if got.Wave != 2 || !got.UnifiedEnabled || got.Status != StatusRunning {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestAgentEntry_UnmarshalRejectsBadRef(t *testing.T) {
	var entry AgentEntry
	err := json.Unmarshal([]byte(`{"ref":"not-a-reference","wave":0}`), &entry)
	if err == nil {
		t.Error("expected error for malformed reference")
	}
}

func TestMatchesFilter(t *testing.T) {
	entry := testEntry(t, identity.Orchestration, "sage", 1, true)

	wave0, wave1 := 0, 1
	yes, no := true, false

	tests := []struct {
		name   string
		filter *Filter
		want   bool
	}{
		{"nil filter", nil, true},
		{"matching wave", &Filter{Wave: &wave1}, true},
		{"wrong wave", &Filter{Wave: &wave0}, false},
		{"matching status", &Filter{Status: StatusRunning}, true},
		{"wrong status", &Filter{Status: StatusDraining}, false},
		{"matching flag", &Filter{UnifiedEnabled: &yes}, true},
		{"wrong flag", &Filter{UnifiedEnabled: &no}, false},
		{"wave and flag", &Filter{Wave: &wave1, UnifiedEnabled: &yes}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MatchesFilter(entry, tt.filter); got != tt.want {
				t.Errorf("MatchesFilter() = %v, want %v", got, tt.want)
			}
		})
	}
}

// --- Integration Tests ---

func TestMemoryRegistry_RegisterGet(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	entry := testEntry(t, identity.Orchestration, "sage", 0, false)
	if err := r.Register(entry); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	got, err := r.Get(entry.Ref.ID())
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if got.Ref.ToHeaderValue() != entry.Ref.ToHeaderValue() {
		t.Errorf("Ref = %q, want %q", got.Ref.ToHeaderValue(), entry.Ref.ToHeaderValue())
	}
	if got.LastSeen.IsZero() {
		t.Error("Register should stamp LastSeen")
	}
}

func TestMemoryRegistry_GetNotFound(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	if _, err := r.Get(identity.NewAgentID()); err != ErrNotFound {
		t.Errorf("Get unknown: got %v, want ErrNotFound", err)
	}
}

func TestMemoryRegistry_ReregisterFlipsFlag(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	entry := testEntry(t, identity.Orchestration, "sage", 1, false)
	if err := r.Register(entry); err != nil {
		t.Fatalf("Register error: %v", err)
	}

	// A restart with the flag set re-registers under the same stable id.
	entry.UnifiedEnabled = true
	if err := r.Register(entry); err != nil {
		t.Fatalf("re-Register error: %v", err)
	}

	got, err := r.Get(entry.Ref.ID())
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if !got.UnifiedEnabled {
		t.Error("re-registration should carry the flipped flag")
	}

	all, _ := r.List(nil)
	if len(all) != 1 {
		t.Errorf("registry size = %d, want 1 (stable id stays the key)", len(all))
	}
}

func TestMemoryRegistry_WaveMembership(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	r.Register(testEntry(t, identity.Orchestration, "sage", 0, true))
	r.Register(testEntry(t, identity.Infrastructure, "nats-expert", 1, false))
	r.Register(testEntry(t, identity.Infrastructure, "devops-expert", 1, false))

	wave1, err := r.Wave(1)
	if err != nil {
		t.Fatalf("Wave error: %v", err)
	}
	if len(wave1) != 2 {
		t.Errorf("wave 1 size = %d, want 2", len(wave1))
	}

	wave9, err := r.Wave(9)
	if err != nil {
		t.Fatalf("Wave error: %v", err)
	}
	if len(wave9) != 0 {
		t.Errorf("wave 9 size = %d, want 0", len(wave9))
	}
}

func TestMemoryRegistry_Deregister(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	entry := testEntry(t, identity.Orchestration, "sage", 0, false)
	r.Register(entry)

	if err := r.Deregister(entry.Ref.ID()); err != nil {
		t.Fatalf("Deregister error: %v", err)
	}
	if _, err := r.Get(entry.Ref.ID()); err != ErrNotFound {
		t.Errorf("Get after Deregister: got %v, want ErrNotFound", err)
	}
	if err := r.Deregister(entry.Ref.ID()); err != ErrNotFound {
		t.Errorf("double Deregister: got %v, want ErrNotFound", err)
	}
}

func TestMemoryRegistry_Watch(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	defer r.Close()

	events, err := r.Watch()
	if err != nil {
		t.Fatalf("Watch error: %v", err)
	}

	entry := testEntry(t, identity.Orchestration, "sage", 0, false)
	r.Register(entry)

	select {
	case ev := <-events:
		if ev.Type != EventAdded {
			t.Errorf("event = %v, want added", ev.Type)
		}
		if ev.ID.String() != entry.Ref.ID().String() {
			t.Errorf("event ID = %v, want %v", ev.ID, entry.Ref.ID())
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for added event")
	}

	entry.UnifiedEnabled = true
	r.Register(entry)

	select {
	case ev := <-events:
		if ev.Type != EventUpdated {
			t.Errorf("event = %v, want updated", ev.Type)
		}
		if !ev.Entry.UnifiedEnabled {
			t.Error("updated event should carry the new flag")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for updated event")
	}

	r.Deregister(entry.Ref.ID())

	select {
	case ev := <-events:
		if ev.Type != EventRemoved {
			t.Errorf("event = %v, want removed", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for removed event")
	}
}

func TestMemoryRegistry_TTLExpiry(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{TTL: 50 * time.Millisecond})
	defer r.Close()

	entry := testEntry(t, identity.Orchestration, "sage", 0, false)
	r.Register(entry)

	time.Sleep(100 * time.Millisecond)

	if _, err := r.Get(entry.Ref.ID()); err != ErrNotFound {
		t.Errorf("stale Get: got %v, want ErrNotFound", err)
	}
}

func TestMemoryRegistry_Closed(t *testing.T) {
	r := NewMemoryRegistry(MemoryConfig{})
	r.Close()

	entry := testEntry(t, identity.Orchestration, "sage", 0, false)
	if err := r.Register(entry); err != ErrClosed {
		t.Errorf("Register after Close: got %v, want ErrClosed", err)
	}
	if _, err := r.List(nil); err != ErrClosed {
		t.Errorf("List after Close: got %v, want ErrClosed", err)
	}
}
