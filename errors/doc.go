// Package errors provides the structured error taxonomy for the routing and
// migration layer.
//
// # Error Categories
//
// Errors are classified into five categories matching how they propagate:
//
//   - Construction: invalid identity or configuration; fatal at startup
//   - Parse: malformed subject or header at runtime; message rejected, never fatal
//   - Publish: per-pattern publish failure; recoverable via bounded retry
//   - Dedup: message observed twice within the window; dropped after the first
//   - Internal: unexpected errors indicating bugs or system failures
//
// Only publish errors are retryable by default. Construction errors surface
// immediately and loudly; runtime errors are recorded in the metrics
// collector and surface in the rollout controller's aggregate view.
//
// # Usage
//
// Create a new error:
//
//	err := errors.Construction("agent name contains a delimiter")
//
// Wrap a bus failure while keeping the pattern attribution:
//
//	err := errors.PublishUnified(subject, cause)
//
// Check retryability before scheduling another attempt:
//
//	if errors.IsRetryable(err) { ... }
package errors
