package envelope

import (
	"fmt"

	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
)

// EventType identifies the kind of event an envelope carries.
// Reserved system types form the control plane; every other non-empty
// value is a domain event.
type EventType string

// Reserved system event types. These are handled inside the connection
// machinery and excluded from generic event bus dispatch.
const (
	EventConnectionAnnounce    EventType = "connection-announce"
	EventDisconnectionAnnounce EventType = "disconnection-announce"
	EventHealthCheckRequest    EventType = "health-check-request"
	EventHealthCheckResponse   EventType = "health-check-response"
	EventHeartbeat             EventType = "heartbeat"
	EventHeartbeatAck          EventType = "heartbeat-ack"
	EventError                 EventType = "error"
)

var systemEvents = map[EventType]struct{}{
	EventConnectionAnnounce:    {},
	EventDisconnectionAnnounce: {},
	EventHealthCheckRequest:    {},
	EventHealthCheckResponse:   {},
	EventHeartbeat:             {},
	EventHeartbeatAck:          {},
	EventError:                 {},
}

// ParseEventType validates a wire string once at the boundary and returns
// the corresponding EventType. Empty strings are rejected; reserved names
// map to the system constants; everything else is a domain event.
func ParseEventType(s string) (EventType, error) {
	if s == "" {
		return "", errors.WrapInvalid(errors.ErrUnknownEvent, "EventType", "Parse", "empty event type")
	}
	return EventType(s), nil
}

// IsSystem reports whether the event type belongs to the reserved control
// plane set.
func (t EventType) IsSystem() bool {
	_, ok := systemEvents[t]
	return ok
}

// IsValid reports whether the event type is non-empty.
func (t EventType) IsValid() bool {
	return t != ""
}

// String returns the wire representation of the event type.
func (t EventType) String() string {
	return string(t)
}

// HeartbeatPayload is the data body of heartbeat and heartbeat-ack
// envelopes. The nonce pairs an ack with its originating heartbeat even
// when acks arrive out of order.
type HeartbeatPayload struct {
	Nonce string `json:"nonce"`
}

// ErrorPayload is the data body of error-typed envelopes sent back to a
// sender whose message was rejected at the boundary.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HealthCheckPayload is the data body of health-check-response envelopes.
type HealthCheckPayload struct {
	Service           string  `json:"service"`
	Status            string  `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveConnections int     `json:"active_connections"`
	MessagesPerMinute float64 `json:"messages_per_minute"`
	TotalConnections  int64   `json:"total_connections"`
	TotalMessages     int64   `json:"total_messages"`
	LastCheck         string  `json:"last_check"` // RFC3339
}

// AnnouncePayload is the data body of connection-announce and
// disconnection-announce envelopes published into the system namespace.
type AnnouncePayload struct {
	ConnectionID string `json:"connection_id"`
	Namespace    string `json:"namespace"`
	Room         string `json:"room,omitempty"`
}

// Validate checks the announce payload carries the required identifiers.
func (p AnnouncePayload) Validate() error {
	if p.ConnectionID == "" || p.Namespace == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "AnnouncePayload", "Validate",
			fmt.Sprintf("connection_id=%q namespace=%q", p.ConnectionID, p.Namespace))
	}
	return nil
}
