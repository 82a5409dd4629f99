package agent

import (
	"context"

	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/errors"
	"github.com/agentfleet/relay/identity"
	"github.com/agentfleet/relay/subject"
)

// Origin identifies which subscription pattern delivered a message.
type Origin string

const (
	// OriginInbox is the legacy name-keyed point-to-point pattern.
	OriginInbox Origin = "inbox"
	// OriginBroadcast is the legacy fleet-wide broadcast pattern.
	OriginBroadcast Origin = "broadcast"
	// OriginAgentRef is the reference-keyed command pattern.
	OriginAgentRef Origin = "agent_ref"
)

// Inbound is a delivered message after routing metadata has been resolved.
type Inbound struct {
	// Subject the message arrived on.
	Subject string

	// Origin names the subscription pattern that delivered it.
	Origin Origin

	// Payload is the application data.
	Payload []byte

	// SenderName is always set when the sender is known.
	SenderName identity.AgentName

	// Sender is the full reference when the message carried a Sender
	// header; zero for header-less legacy senders.
	Sender identity.AgentReference

	// Conversation is zero when the message carried no conversation id.
	Conversation identity.ConversationID

	// Kind is the message kind from the subject or header.
	Kind subject.Kind

	// Topic is the broadcast topic path, set only for OriginBroadcast.
	Topic string
}

// Handler processes one inbound message. A non-nil returned payload is
// published as the conversation response; a returned error is published
// on the conversation error subject.
type Handler func(ctx context.Context, in Inbound) ([]byte, error)

// resolveInbound extracts routing metadata from a raw delivery. A
// malformed subject or header is a parse error; the caller counts and
// drops, it never takes the runtime down.
func (r *Runtime) resolveInbound(origin Origin, msg *bus.Message) (Inbound, error) {
	in := Inbound{
		Subject: msg.Subject,
		Origin:  origin,
		Payload: msg.Data,
	}

	switch origin {
	case OriginInbox:
		addr, err := r.factory.ParseLegacy(msg.Subject)
		if err != nil {
			return Inbound{}, err
		}
		in.SenderName = addr.From
		in.Kind = addr.Kind

	case OriginBroadcast:
		topic, err := r.factory.ParseBroadcast(msg.Subject)
		if err != nil {
			return Inbound{}, err
		}
		in.Topic = topic

	case OriginAgentRef:
		_, kind, err := r.factory.ParseCommand(msg.Subject)
		if err != nil {
			return Inbound{}, err
		}
		in.Kind = kind

	default:
		return Inbound{}, errors.Internal("unknown delivery origin: " + string(origin))
	}

	if err := r.applyHeaders(&in, msg.Header); err != nil {
		return Inbound{}, err
	}

	// Reference-addressed messages must identify their sender.
	if origin == OriginAgentRef && in.Sender.IsZero() {
		return Inbound{}, errors.Parse("command message missing Sender header",
			errors.WithPattern(string(origin)))
	}

	return in, nil
}

// applyHeaders overlays envelope headers onto routing metadata recovered
// from the subject. Headers win where both are present.
func (r *Runtime) applyHeaders(in *Inbound, h bus.Header) error {
	if v := h.Get(bus.HeaderSender); v != "" {
		ref, err := identity.ParseHeaderValue(v)
		if err != nil {
			return err
		}
		in.Sender = ref
		in.SenderName = ref.Name()
	}

	if v := h.Get(bus.HeaderConversation); v != "" {
		conv, err := identity.ParseConversationID(v)
		if err != nil {
			return err
		}
		in.Conversation = conv
	}

	if v := h.Get(bus.HeaderKind); v != "" {
		kind, err := subject.NewKind(v)
		if err != nil {
			return err
		}
		in.Kind = kind
	}

	return nil
}
