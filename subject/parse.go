package subject

import (
	"strings"

	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
)

// LegacyAddress is the routing information recovered from a name-keyed
// subject of the form {domain}.to.{name}.from.{sender}.{kind}.
type LegacyAddress struct {
	To   identity.AgentName
	From identity.AgentName
	Kind Kind
}

// ParseLegacy recovers addressing from a legacy point-to-point subject.
func (f Factory) ParseLegacy(s string) (LegacyAddress, error) {
	parts := strings.Split(s, Delimiter)
	if len(parts) != 6 || parts[0] != f.domain.String() || parts[1] != segTo.String() || parts[3] != segFrom.String() {
		return LegacyAddress{}, errors.ParseSubject("not a legacy message subject: " + s)
	}

	to, err := identity.NewAgentName(parts[2])
	if err != nil {
		return LegacyAddress{}, errors.ParseSubject("invalid recipient name in subject", errors.WithCause(err))
	}
	from, err := identity.NewAgentName(parts[4])
	if err != nil {
		return LegacyAddress{}, errors.ParseSubject("invalid sender name in subject", errors.WithCause(err))
	}
	kind, err := NewKind(parts[5])
	if err != nil {
		return LegacyAddress{}, errors.ParseSubject("invalid kind in subject", errors.WithCause(err))
	}

	return LegacyAddress{To: to, From: from, Kind: kind}, nil
}

// ParseCommand recovers the target reference and kind from a
// reference-keyed subject {domain}.{cluster}.{name}.{id}.command.{kind}.
func (f Factory) ParseCommand(s string) (identity.AgentReference, Kind, error) {
	parts := strings.Split(s, Delimiter)
	if len(parts) != 6 || parts[0] != f.domain.String() || parts[4] != segCommand.String() {
		return identity.AgentReference{}, "", errors.ParseSubject("not a command subject: " + s)
	}

	ref, err := identity.ParseHeaderValue(strings.Join(parts[1:4], Delimiter))
	if err != nil {
		return identity.AgentReference{}, "", err
	}
	kind, err := NewKind(parts[5])
	if err != nil {
		return identity.AgentReference{}, "", errors.ParseSubject("invalid kind in subject", errors.WithCause(err))
	}

	return ref, kind, nil
}

// ParseBroadcast recovers the topic path from a broadcast subject
// {domain}.broadcast.{topic...}.
func (f Factory) ParseBroadcast(s string) (string, error) {
	prefix := f.domain.String() + Delimiter + segBroadcast.String() + Delimiter
	if !strings.HasPrefix(s, prefix) || len(s) == len(prefix) {
		return "", errors.ParseSubject("not a broadcast subject: " + s)
	}
	return s[len(prefix):], nil
}

// ParseConversation recovers the conversation id and kind from an
// identity-free subject {domain}.conversations.{conv-id}.{kind}.
func (f Factory) ParseConversation(s string) (identity.ConversationID, Kind, error) {
	parts := strings.Split(s, Delimiter)
	if len(parts) != 4 || parts[0] != f.domain.String() || parts[1] != segConversations.String() {
		return identity.ConversationID{}, "", errors.ParseSubject("not a conversation subject: " + s)
	}

	id, err := identity.ParseConversationID(parts[2])
	if err != nil {
		return identity.ConversationID{}, "", err
	}
	kind, err := NewKind(parts[3])
	if err != nil {
		return identity.ConversationID{}, "", errors.ParseSubject("invalid kind in subject", errors.WithCause(err))
	}

	return id, kind, nil
}

// ParseMetricsSubject recovers the publishing agent's id from a telemetry
// subject {domain}.telemetry.{agent-id}.metrics.
func (f Factory) ParseMetricsSubject(s string) (identity.AgentID, error) {
	parts := strings.Split(s, Delimiter)
	if len(parts) != 4 || parts[0] != f.domain.String() || parts[1] != segTelemetry.String() || parts[3] != segMetrics.String() {
		return identity.AgentID{}, errors.ParseSubject("not a metrics subject: " + s)
	}
	return identity.ParseAgentID(parts[2])
}
