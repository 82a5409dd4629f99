// Package bus provides message bus clients for agent-to-agent communication.
//
// The MessageBus interface enables header-bearing pub/sub and request/reply
// over various backends (NATS, in-memory). All implementations use
// channel-based APIs for Go-idiomatic concurrent use. Both backends honor
// subject wildcard subscriptions ("*" and ">") so an agent can open its
// legacy, broadcast, and id-keyed patterns against either one.
package bus

import (
	"errors"
	"time"
)

// Common errors.
var (
	ErrClosed         = errors.New("bus closed")
	ErrTimeout        = errors.New("request timeout")
	ErrNoResponders   = errors.New("no responders")
	ErrInvalidSubject = errors.New("invalid subject")
)

// Header names used by the unified grammar. Sender and Recipient carry the
// "{cluster}.{name}.{id}" rendering of an AgentReference.
const (
	HeaderSender       = "Sender"
	HeaderRecipient    = "Recipient"
	HeaderConversation = "Conversation-Id"
	HeaderKind         = "Message-Kind"
)

// Header is a multi-valued header map, shaped like nats.Header.
type Header map[string][]string

// Get returns the first value for key, or "".
func (h Header) Get(key string) string {
	if h == nil {
		return ""
	}
	v := h[key]
	if len(v) == 0 {
		return ""
	}
	return v[0]
}

// Set replaces the values for key.
func (h Header) Set(key, value string) {
	h[key] = []string{value}
}

// Clone returns a deep copy of the header.
func (h Header) Clone() Header {
	if h == nil {
		return nil
	}
	out := make(Header, len(h))
	for k, v := range h {
		vv := make([]string, len(v))
		copy(vv, v)
		out[k] = vv
	}
	return out
}

// Message represents a message received from the bus.
type Message struct {
	// Subject the message was published to.
	Subject string

	// Data is the message payload.
	Data []byte

	// Header carries routing metadata under the unified grammar.
	// Nil for plain legacy messages.
	Header Header

	// Reply is the reply subject for request/reply pattern.
	// Empty for regular pub/sub messages.
	Reply string
}

// MessageBus provides pub/sub and request/reply messaging.
type MessageBus interface {
	// Publish sends a message to all subscribers of a subject.
	Publish(subject string, data []byte) error

	// PublishMsg sends a message including its headers.
	PublishMsg(msg *Message) error

	// Subscribe creates a subscription to a subject or wildcard pattern.
	// All subscribers receive all matching messages.
	Subscribe(subject string) (Subscription, error)

	// QueueSubscribe creates a queue subscription.
	// Messages are load-balanced across queue members.
	QueueSubscribe(subject, queue string) (Subscription, error)

	// Request sends a request and waits for a single reply.
	// Returns ErrTimeout if no reply within timeout.
	Request(subject string, data []byte, timeout time.Duration) (*Message, error)

	// Close shuts down the bus connection.
	Close() error
}

// Subscription represents an active subscription.
type Subscription interface {
	// Messages returns the channel for incoming messages.
	// Channel is closed when subscription ends.
	Messages() <-chan *Message

	// Unsubscribe cancels the subscription.
	Unsubscribe() error
}

// Config holds common bus configuration.
type Config struct {
	// BufferSize for subscription channels.
	// Default: 256
	BufferSize int
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		BufferSize: 256,
	}
}

// ValidateSubject checks that a publish subject is non-empty and carries no
// wildcard tokens (wildcards are subscription syntax).
func ValidateSubject(subject string) error {
	if subject == "" {
		return ErrInvalidSubject
	}
	for _, r := range subject {
		if r == '*' || r == '>' || r == ' ' {
			return ErrInvalidSubject
		}
	}
	return nil
}

// ValidatePattern checks that a subscription subject is non-empty.
// Wildcards are allowed here.
func ValidatePattern(pattern string) error {
	if pattern == "" {
		return ErrInvalidSubject
	}
	return nil
}
