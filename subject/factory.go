package subject

import (
	"github.com/agentfleet/relay/identity"
)

// Kind is a validated message-kind segment (the final routing token of a
// concrete subject).
type Kind string

// Well-known message kinds.
const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindError    Kind = "error"
	KindStatus   Kind = "status"
)

// NewKind validates an arbitrary message kind.
func NewKind(s string) (Kind, error) {
	seg, err := NewSegment(s)
	if err != nil {
		return "", err
	}
	return Kind(seg), nil
}

// String returns the kind as a segment string.
func (k Kind) String() string {
	return string(k)
}

// Factory derives every subject and subscription pattern in both grammars
// from validated identity values. It is pure and stateless: identical inputs
// always yield the identical subject string, and two distinct references can
// never collide because their stable ids differ.
//
// The factory accepts only already-validated value types, so it has no
// runtime failure mode of its own.
type Factory struct {
	domain Segment
}

// Keyword segments of the grammar.
var (
	segTo            = mustSegment("to")
	segFrom          = mustSegment("from")
	segBroadcast     = mustSegment("broadcast")
	segConversations = mustSegment("conversations")
	segCommand       = mustSegment("command")
	segEvent         = mustSegment("event")
	segTelemetry     = mustSegment("telemetry")
	segMetrics       = mustSegment("metrics")
)

// DefaultDomain is the domain prefix of the fleet grammar.
const DefaultDomain = "agent"

// NewFactory constructs a factory over a validated domain prefix.
func NewFactory(domain string) (Factory, error) {
	seg, err := NewSegment(domain)
	if err != nil {
		return Factory{}, err
	}
	return Factory{domain: seg}, nil
}

// DefaultFactory returns the factory for the standard "agent" domain.
func DefaultFactory() Factory {
	return Factory{domain: mustSegment(DefaultDomain)}
}

// Domain returns the domain prefix.
func (f Factory) Domain() string {
	return f.domain.String()
}

func (f Factory) root() Subject {
	return Subject{segments: []Segment{f.domain}}
}

// --- Legacy grammar ---

// LegacyInbox is the inbox pattern an agent subscribes to under the legacy
// grammar: "{domain}.to.{name}.>". Recipient-first, so agents never receive
// their own outgoing messages.
func (f Factory) LegacyInbox(name identity.AgentName) Pattern {
	return Pattern{tokens: []string{f.Domain(), segTo.String(), name.String(), WildcardTail}}
}

// LegacyMessage is a concrete legacy-grammar subject:
// "{domain}.to.{to}.from.{from}.{kind}". Sender and recipient are encoded
// in the subject itself; headers carry nothing.
func (f Factory) LegacyMessage(to, from identity.AgentName, kind Kind) Subject {
	return f.root().
		Append(segTo).
		Append(Segment(to)).
		Append(segFrom).
		Append(Segment(from)).
		Append(Segment(kind))
}

// --- Broadcast ---

// Broadcast is a concrete fleet-wide fan-out subject:
// "{domain}.broadcast.{topic}". Identical for every agent.
func (f Factory) Broadcast(topic Segment) Subject {
	return f.root().Append(segBroadcast).Append(topic)
}

// BroadcastPattern is the pattern every agent subscribes to:
// "{domain}.broadcast.>".
func (f Factory) BroadcastPattern() Pattern {
	return Pattern{tokens: []string{f.Domain(), segBroadcast.String(), WildcardTail}}
}

// --- Unified grammar: agent references ---

// AgentCommand is a concrete unified-grammar command subject:
// "{domain}.{cluster}.{name}.{id}.command.{kind}".
func (f Factory) AgentCommand(ref identity.AgentReference, kind Kind) Subject {
	return f.agentRef(ref).Append(segCommand).Append(Segment(kind))
}

// AgentEvent is a concrete unified-grammar event subject:
// "{domain}.{cluster}.{name}.{id}.event.{kind}".
func (f Factory) AgentEvent(ref identity.AgentReference, kind Kind) Subject {
	return f.agentRef(ref).Append(segEvent).Append(Segment(kind))
}

func (f Factory) agentRef(ref identity.AgentReference) Subject {
	return f.root().
		Append(Segment(ref.Cluster().String())).
		Append(Segment(ref.Name().String())).
		Append(Segment(ref.ID().String()))
}

// CommandsByID is the id-keyed command pattern, stable across renames:
// "{domain}.*.*.{id}.command.>".
func (f Factory) CommandsByID(id identity.AgentID) Pattern {
	return Pattern{tokens: []string{
		f.Domain(), WildcardOne, WildcardOne, id.String(), segCommand.String(), WildcardTail,
	}}
}

// EventsByID is the id-keyed event pattern: "{domain}.*.*.{id}.event.>".
func (f Factory) EventsByID(id identity.AgentID) Pattern {
	return Pattern{tokens: []string{
		f.Domain(), WildcardOne, WildcardOne, id.String(), segEvent.String(), WildcardTail,
	}}
}

// ClusterCommands subscribes to every command aimed at a capability cluster:
// "{domain}.{cluster}.*.*.command.>".
func (f Factory) ClusterCommands(cluster identity.CapabilityCluster) Pattern {
	return Pattern{tokens: []string{
		f.Domain(), cluster.String(), WildcardOne, WildcardOne, segCommand.String(), WildcardTail,
	}}
}

// ClusterEvents subscribes to every event from a capability cluster:
// "{domain}.{cluster}.*.*.event.>".
func (f Factory) ClusterEvents(cluster identity.CapabilityCluster) Pattern {
	return Pattern{tokens: []string{
		f.Domain(), cluster.String(), WildcardOne, WildcardOne, segEvent.String(), WildcardTail,
	}}
}

// --- Conversations ---
//
// Conversation subjects are identity-free: routing metadata (sender,
// recipient) travels in headers, keeping the subject a pure semantic
// namespace keyed by the conversation id.

// ConversationRequest: "{domain}.conversations.{id}.request".
func (f Factory) ConversationRequest(id identity.ConversationID) Subject {
	return f.conversation(id, KindRequest)
}

// ConversationResponse: "{domain}.conversations.{id}.response".
func (f Factory) ConversationResponse(id identity.ConversationID) Subject {
	return f.conversation(id, KindResponse)
}

// ConversationError: "{domain}.conversations.{id}.error".
func (f Factory) ConversationError(id identity.ConversationID) Subject {
	return f.conversation(id, KindError)
}

// ConversationStatus: "{domain}.conversations.{id}.status".
func (f Factory) ConversationStatus(id identity.ConversationID) Subject {
	return f.conversation(id, KindStatus)
}

func (f Factory) conversation(id identity.ConversationID, kind Kind) Subject {
	return f.root().
		Append(segConversations).
		Append(Segment(id.String())).
		Append(Segment(kind))
}

// ConversationPattern subscribes to every message of one conversation:
// "{domain}.conversations.{id}.>".
func (f Factory) ConversationPattern(id identity.ConversationID) Pattern {
	return Pattern{tokens: []string{
		f.Domain(), segConversations.String(), id.String(), WildcardTail,
	}}
}

// AllConversationsPattern subscribes to every conversation (monitoring):
// "{domain}.conversations.>".
func (f Factory) AllConversationsPattern() Pattern {
	return Pattern{tokens: []string{f.Domain(), segConversations.String(), WildcardTail}}
}

// --- Telemetry ---

// MetricsSnapshot is the subject an agent publishes metrics snapshots to:
// "{domain}.telemetry.{id}.metrics".
func (f Factory) MetricsSnapshot(id identity.AgentID) Subject {
	return f.root().
		Append(segTelemetry).
		Append(Segment(id.String())).
		Append(segMetrics)
}

// AllMetricsPattern subscribes to every agent's snapshots:
// "{domain}.telemetry.*.metrics".
func (f Factory) AllMetricsPattern() Pattern {
	return Pattern{tokens: []string{
		f.Domain(), segTelemetry.String(), WildcardOne, segMetrics.String(),
	}}
}
