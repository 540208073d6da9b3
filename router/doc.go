// Package router implements the server-side namespace router: an HTTP
// server hosting one WebSocket endpoint per statically-declared
// namespace, tracking live membership and dispatching envelopes by
// target (broadcast, unicast, multicast).
//
// Each namespace guards its own membership with its own lock, so
// fan-out in one namespace never contends with routing in another.
// Every inbound envelope is validated before dispatch; invalid input is
// answered with an error envelope and never forwarded. Connection and
// disconnection events are announced into the reserved system
// namespace, where health-check requests are answered too.
package router
