package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how errors should be handled.
const (
	// CategoryConstruction indicates an invalid identity or configuration
	// value. Fatal at startup: an agent refuses to run with a bad identity.
	CategoryConstruction ErrorCategory = "construction"

	// CategoryParse indicates a malformed subject or header value observed
	// at runtime. The offending message is rejected; the process keeps running.
	CategoryParse ErrorCategory = "parse"

	// CategoryPublish indicates a per-pattern publish failure. Recoverable
	// via bounded retry.
	CategoryPublish ErrorCategory = "publish"

	// CategoryDedup indicates a message observed more than once within the
	// deduplication window. The duplicate is dropped, not retried.
	CategoryDedup ErrorCategory = "dedup"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	return c == CategoryPublish
}

// ErrorCode identifies specific error types within categories.
type ErrorCode string

// Error codes for the routing and migration layer.
const (
	// Construction errors (fatal at startup)
	ErrCodeInvalidIdentity ErrorCode = "INVALID_IDENTITY" // Bad name, cluster, or stable id
	ErrCodeInvalidSegment  ErrorCode = "INVALID_SEGMENT"  // Illegal character in a subject segment
	ErrCodeInvalidConfig   ErrorCode = "INVALID_CONFIG"   // Startup configuration rejected

	// Parse errors (runtime, non-fatal)
	ErrCodeParseHeader  ErrorCode = "PARSE_HEADER"  // Malformed Sender/Recipient/Conversation-Id header
	ErrCodeParseSubject ErrorCode = "PARSE_SUBJECT" // Malformed subject string

	// Publish errors (per pattern, retryable)
	ErrCodePublishLegacy  ErrorCode = "PUBLISH_LEGACY"  // Legacy-grammar publish failed
	ErrCodePublishUnified ErrorCode = "PUBLISH_UNIFIED" // Unified-grammar publish failed
	ErrCodeTimeout        ErrorCode = "TIMEOUT"         // Publish or ack timed out

	// Dedup errors
	ErrCodeDuplicate ErrorCode = "DUPLICATE" // Same (conversation, kind) seen within the window

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL" // Unexpected internal error
	ErrCodeCanceled ErrorCode = "CANCELED" // Operation was canceled
	ErrCodePanic    ErrorCode = "PANIC"    // Recovered from panic
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeInvalidIdentity, ErrCodeInvalidSegment, ErrCodeInvalidConfig:
		return CategoryConstruction
	case ErrCodeParseHeader, ErrCodeParseSubject:
		return CategoryParse
	case ErrCodePublishLegacy, ErrCodePublishUnified, ErrCodeTimeout:
		return CategoryPublish
	case ErrCodeDuplicate:
		return CategoryDedup
	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeInvalidIdentity: "invalid agent identity",
	ErrCodeInvalidSegment:  "invalid subject segment",
	ErrCodeInvalidConfig:   "invalid configuration",
	ErrCodeParseHeader:     "malformed header value",
	ErrCodeParseSubject:    "malformed subject",
	ErrCodePublishLegacy:   "legacy publish failed",
	ErrCodePublishUnified:  "unified publish failed",
	ErrCodeTimeout:         "operation timed out",
	ErrCodeDuplicate:       "duplicate delivery within dedup window",
	ErrCodeInternal:        "internal error",
	ErrCodeCanceled:        "operation canceled",
	ErrCodePanic:           "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
