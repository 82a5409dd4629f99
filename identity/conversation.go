package identity

import (
	"github.com/google/uuid"

	"github.com/agentfleet/relay/errors"
)

// ConversationID correlates one logical request/response/error exchange.
// Minted by the initiator, propagated unchanged by every participant, never
// reused across unrelated exchanges. UUIDv7 underneath, so ids sort
// chronologically.
type ConversationID struct {
	u uuid.UUID
}

// NewConversationID mints a fresh time-ordered conversation id.
func NewConversationID() ConversationID {
	u, err := uuid.NewV7()
	if err != nil {
		panic(err)
	}
	return ConversationID{u: u}
}

// ParseConversationID parses a conversation id from its wire form.
func ParseConversationID(s string) (ConversationID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return ConversationID{}, errors.Parse("malformed conversation id: "+s, errors.WithCause(err))
	}
	if u.Version() != 7 {
		return ConversationID{}, errors.Parse("conversation id is not time-ordered (want UUIDv7): " + s)
	}
	return ConversationID{u: u}, nil
}

// String returns the hyphenated UUID form used in subjects and headers.
func (c ConversationID) String() string {
	return c.u.String()
}

// IsZero reports whether the id is the zero value.
func (c ConversationID) IsZero() bool {
	return c.u == uuid.Nil
}
