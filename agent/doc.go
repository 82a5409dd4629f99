// Package agent provides the dual-pattern runtime that keeps an agent
// reachable throughout the routing migration.
//
// # Overview
//
// A Runtime subscribes three patterns at once: the legacy name-keyed
// inbox, the fleet broadcast channel, and the reference-keyed command
// pattern. All deliveries funnel into one intake so the handler sees a
// single stream no matter which grammar a peer used.
//
// Outbound, the legacy subject is always published. When the process was
// started with the migration flag set, the reference-keyed subject is
// published as well with identical payload and headers. The two publish
// paths retry independently; a failure on one never suppresses the other.
//
// Because a dual-published message arrives twice at a dual-subscribed
// peer, deliveries carrying a conversation id are deduplicated by
// (conversation id, kind) within a bounded TTL window. First delivery
// wins; the duplicate is counted and dropped.
//
// The migration flag is read once at construction. Flipping it means
// restarting the process, which is what makes staged rollout and
// rollback observable from the outside.
package agent
