// Package identity defines the immutable value types that identify agents
// on the bus: capability clusters, validated agent names, stable UUIDv7
// agent ids, the combined AgentReference, and conversation ids.
//
// Construction is the only path to a valid value. Every constructor
// validates; no field is mutable after creation. A reference renders to and
// parses from the wire header form "{cluster}.{name}.{id}", and the
// round-trip is exact: ParseHeaderValue(r.ToHeaderValue()) == r.
package identity
