// Package vsim provides the realtime connection and routing layer for
// distributed simulation actors: vehicle telemetry producers, passenger
// services and dispatcher dashboards exchanging JSON envelopes over
// WebSocket.
//
// # Architecture
//
// The layer splits into a client side and a server side around one wire
// unit, the envelope:
//
//   - envelope: the validated message value (id, type, timestamp,
//     source, optional targets, opaque data, optional correlation id).
//   - client: the connection manager, a state machine over an injected
//     transport with application-level heartbeats, event-bus dispatch
//     and policy-driven reconnection.
//   - router: the server, hosting one WebSocket endpoint per namespace
//     and dispatching envelopes by target (broadcast, unicast,
//     multicast) with per-namespace locking.
//   - eventbus, heartbeat, backoff, transport: the supporting pieces,
//     each independently testable and injected where used.
//   - natsbridge: feeds the router from NATS subjects so external
//     collaborators can publish into namespaces.
//   - config, metric: daemon configuration and Prometheus
//     instrumentation for cmd/vsrouterd.
//
// Control-plane traffic (heartbeats, acks, announces, health checks) is
// consumed inside the managers and the router; only domain events reach
// subscribed handlers.
package vsim
