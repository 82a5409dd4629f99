// Package bus provides message bus clients for agent-to-agent communication.
//
// # Overview
//
// The MessageBus interface enables pub/sub and request/reply patterns for
// distributed agent communication. All implementations use channel-based APIs
// for Go-idiomatic concurrent use. Messages carry headers so identity travels
// with the envelope rather than being encoded into subjects.
//
// # Available Implementations
//
//   - NATSBus: Production-grade messaging using NATS
//   - MemoryBus: In-memory implementation for testing and single-process use
//
// # Patterns
//
// Pub/Sub - broadcast to all subscribers:
//
//	bus.Publish("agent.broadcast.alerts", data)
//	sub, _ := bus.Subscribe("agent.broadcast.>")
//	for msg := range sub.Messages() {
//	    // Handle message
//	}
//
// Headers - attach routing metadata:
//
//	h := bus.Header{}
//	h.Set(bus.HeaderSender, sender.ToHeaderValue())
//	h.Set(bus.HeaderConversation, convID.String())
//	bus.PublishMsg(&bus.Message{Subject: subj, Data: data, Header: h})
//
// Queue Groups - load balanced across workers:
//
//	sub, _ := bus.QueueSubscribe("agent.work", "workers")
//	// Only one worker in the group receives each message
//
// Request/Reply - synchronous RPC:
//
//	reply, _ := bus.Request("agent.conversations.x.request", data, timeout)
//
// Both implementations honor subject wildcards: "*" matches exactly one
// segment, ">" matches one or more trailing segments.
package bus
