package identity

import (
	"strings"

	"github.com/google/uuid"

	"github.com/agentfleet/relay/errors"
)

// AgentName is a validated, human-readable agent name. Lower-kebab-case,
// never empty, never containing the subject delimiter or wildcard tokens.
type AgentName string

// String returns the name as a plain string.
func (n AgentName) String() string {
	return string(n)
}

// NewAgentName validates and constructs an agent name.
func NewAgentName(s string) (AgentName, error) {
	if s == "" {
		return "", errors.Construction("agent name must not be empty")
	}
	if strings.ContainsAny(s, ".*> \t\n") {
		return "", errors.Construction("agent name contains delimiter, wildcard, or whitespace: " + s)
	}
	for _, r := range s {
		if !isNameRune(r) {
			return "", errors.Construction("agent name must be lower-kebab-case: " + s)
		}
	}
	if s[0] == '-' || s[len(s)-1] == '-' {
		return "", errors.Construction("agent name must not begin or end with a hyphen: " + s)
	}
	return AgentName(s), nil
}

func isNameRune(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-'
}

// AgentID is the permanent, time-ordered stable identifier of an agent.
// UUIDv7 underneath: monotonically increasing, collision-resistant. Assigned
// once at provisioning; it never changes, even if the agent is renamed, and
// it is never reused after decommission. The id is the sole basis for causal
// tracing across renames.
type AgentID struct {
	u uuid.UUID
}

// NewAgentID mints a fresh time-ordered agent id.
func NewAgentID() AgentID {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; nothing sane to do.
		panic(err)
	}
	return AgentID{u: u}
}

// ParseAgentID parses and validates a stable agent id. Values that are not
// well-formed UUIDs, or not version 7, are rejected: a malformed id in
// configuration must fail startup, never silently default.
func ParseAgentID(s string) (AgentID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return AgentID{}, errors.Construction("malformed stable id: "+s, errors.WithCause(err))
	}
	if u.Version() != 7 {
		return AgentID{}, errors.Construction("stable id is not time-ordered (want UUIDv7): " + s)
	}
	return AgentID{u: u}, nil
}

// String returns the hyphenated UUID form.
func (id AgentID) String() string {
	return id.u.String()
}

// IsZero reports whether the id is the zero value.
func (id AgentID) IsZero() bool {
	return id.u == uuid.Nil
}

// AgentReference is the complete, immutable identity of an agent: its
// capability cluster, its human-readable name, and its stable id.
//
// The reference travels in message headers as "{cluster}.{name}.{id}" and
// appears in unified subjects as agent.{cluster}.{name}.{id}.command.{kind}.
type AgentReference struct {
	cluster CapabilityCluster
	name    AgentName
	id      AgentID
}

// NewAgentReference validates and constructs an agent reference.
func NewAgentReference(cluster CapabilityCluster, name AgentName, id AgentID) (AgentReference, error) {
	if !cluster.Valid() {
		return AgentReference{}, errors.Construction("unknown capability cluster: " + cluster.String())
	}
	// Re-validate rather than trust the type: a converted raw string
	// could smuggle delimiters into every subject built from the ref.
	if _, err := NewAgentName(name.String()); err != nil {
		return AgentReference{}, err
	}
	if id.IsZero() {
		return AgentReference{}, errors.Construction("stable id must not be zero")
	}
	return AgentReference{cluster: cluster, name: name, id: id}, nil
}

// Cluster returns the capability cluster.
func (r AgentReference) Cluster() CapabilityCluster {
	return r.cluster
}

// Name returns the agent name.
func (r AgentReference) Name() AgentName {
	return r.name
}

// ID returns the stable agent id.
func (r AgentReference) ID() AgentID {
	return r.id
}

// IsZero reports whether r is the zero value.
func (r AgentReference) IsZero() bool {
	return r.cluster == "" && r.name == "" && r.id.IsZero()
}

// ToHeaderValue renders the wire header form "{cluster}.{name}.{id}".
func (r AgentReference) ToHeaderValue() string {
	return r.cluster.String() + "." + r.name.String() + "." + r.id.String()
}

// String renders the same form as ToHeaderValue.
func (r AgentReference) String() string {
	return r.ToHeaderValue()
}

// ParseHeaderValue is the exact inverse of ToHeaderValue.
//
// The round-trip law holds for every valid reference:
// ParseHeaderValue(r.ToHeaderValue()) == r.
func ParseHeaderValue(s string) (AgentReference, error) {
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return AgentReference{}, errors.Parse("header value needs cluster.name.id: " + s)
	}

	cluster, err := ParseCluster(parts[0])
	if err != nil {
		return AgentReference{}, errors.Parse("header value has unknown cluster: "+s, errors.WithCause(err))
	}
	name, err := NewAgentName(parts[1])
	if err != nil {
		return AgentReference{}, errors.Parse("header value has invalid name: "+s, errors.WithCause(err))
	}
	id, err := ParseAgentID(parts[2])
	if err != nil {
		return AgentReference{}, errors.Parse("header value has invalid stable id: "+s, errors.WithCause(err))
	}

	return AgentReference{cluster: cluster, name: name, id: id}, nil
}

// ReferenceFromName builds a reference for a well-known fleet agent name,
// inferring the cluster. Returns a parse error for names outside the fleet.
func ReferenceFromName(name AgentName, id AgentID) (AgentReference, error) {
	cluster, ok := ClusterFromAgentName(name.String())
	if !ok {
		return AgentReference{}, errors.Construction("no capability cluster known for agent: " + name.String())
	}
	return NewAgentReference(cluster, name, id)
}
