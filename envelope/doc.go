// Package envelope defines the wire-level message unit exchanged between
// all parties of the realtime layer: telemetry producers, the namespace
// router, and subscribing clients.
//
// An Envelope is an immutable value created once via New and never
// mutated afterward. When a dispatch has multiple targets the envelope is
// copied with Clone, not shared, so no receiver can observe another's
// mutations.
//
// # Wire format
//
// Envelopes serialize to JSON:
//
//	{
//	  "id": "a2f1...",
//	  "type": "vehicle-position",
//	  "timestamp": "2026-01-02T15:04:05.999999999Z",
//	  "source": "vehicle-BUS42",
//	  "target": "dispatcher-1",        // absent = broadcast, string = unicast, array = multicast
//	  "data": {...},                   // never absent; explicit null when empty
//	  "correlationId": "b3c4..."       // optional request/response pairing
//	}
//
// # Control plane vs data plane
//
// A closed set of reserved event types (heartbeat, heartbeat-ack,
// connection-announce, disconnection-announce, health-check-request,
// health-check-response, error) forms the control plane. These are
// consumed by the connection machinery itself and are never forwarded to
// application event handlers. Every other non-empty type string is a
// domain event and flows through the data plane.
package envelope
