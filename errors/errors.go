package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// RelayError is the interface for all structured errors in relay.
// It extends the standard error interface with the context the rollout
// controller needs for its aggregate view: code, category, retryability.
type RelayError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of RelayError.
type Error struct {
	code         ErrorCode
	category     ErrorCategory
	message      string
	cause        error
	metadata     map[string]string
	retryable    *bool // nil means use default based on category
	timestamp    time.Time
	agentID      string // source agent stable id, if applicable
	conversation string // related conversation id, if applicable
	pattern      string // subject pattern involved (legacy/unified/broadcast)
}

// Ensure Error implements RelayError and json.Marshaler/Unmarshaler.
var (
	_ RelayError       = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	// Return a copy to prevent modification
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// AgentID returns the source agent stable id, if set.
func (e *Error) AgentID() string {
	return e.agentID
}

// ConversationID returns the related conversation id, if set.
func (e *Error) ConversationID() string {
	return e.conversation
}

// Pattern returns the subject pattern involved, if set.
func (e *Error) Pattern() string {
	return e.pattern
}

// errorJSON is the JSON representation of an Error. This is the shape
// published on conversation error subjects.
type errorJSON struct {
	Code         ErrorCode         `json:"code"`
	Category     ErrorCategory     `json:"category"`
	Message      string            `json:"message"`
	Cause        string            `json:"cause,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Retryable    bool              `json:"retryable"`
	Timestamp    string            `json:"timestamp,omitempty"`
	AgentID      string            `json:"agent_id,omitempty"`
	Conversation string            `json:"conversation_id,omitempty"`
	Pattern      string            `json:"pattern,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:         e.code,
		Category:     e.category,
		Message:      e.message,
		Metadata:     e.metadata,
		Retryable:    e.Retryable(),
		AgentID:      e.agentID,
		Conversation: e.conversation,
		Pattern:      e.pattern,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.agentID = j.AgentID
	e.conversation = j.Conversation
	e.pattern = j.Pattern
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithAgentID sets the source agent stable id.
func WithAgentID(id string) Option {
	return func(e *Error) {
		e.agentID = id
	}
}

// WithConversationID sets the related conversation id.
func WithConversationID(id string) Option {
	return func(e *Error) {
		e.conversation = id
	}
}

// WithPattern sets the subject pattern the error relates to.
func WithPattern(pattern string) Option {
	return func(e *Error) {
		e.pattern = pattern
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Construction creates an identity/configuration construction error.
func Construction(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidIdentity, message, opts...)
}

// Parse creates a header parse error.
func Parse(message string, opts ...Option) *Error {
	return New(ErrCodeParseHeader, message, opts...)
}

// ParseSubject creates a subject parse error.
func ParseSubject(message string, opts ...Option) *Error {
	return New(ErrCodeParseSubject, message, opts...)
}

// PublishLegacy creates a legacy-pattern publish error.
func PublishLegacy(subject string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithPattern("legacy"), WithMetadata("subject", subject), WithCause(cause)}, opts...)
	return New(ErrCodePublishLegacy, fmt.Sprintf("publish to %s failed", subject), opts...)
}

// PublishUnified creates a unified-pattern publish error.
func PublishUnified(subject string, cause error, opts ...Option) *Error {
	opts = append([]Option{WithPattern("unified"), WithMetadata("subject", subject), WithCause(cause)}, opts...)
	return New(ErrCodePublishUnified, fmt.Sprintf("publish to %s failed", subject), opts...)
}

// Duplicate creates a dedup error for a repeated delivery.
func Duplicate(conversationID, kind string, opts ...Option) *Error {
	opts = append([]Option{WithConversationID(conversationID), WithMetadata("kind", kind)}, opts...)
	return New(ErrCodeDuplicate, fmt.Sprintf("duplicate %s in conversation %s", kind, conversationID), opts...)
}

// Timeout creates a timeout error.
func Timeout(message string, opts ...Option) *Error {
	return New(ErrCodeTimeout, message, opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
