package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
)

// nullData is the explicit empty-body marker. The data field is never
// absent on the wire; emptiness is always an explicit JSON null.
var nullData = json.RawMessage("null")

// Envelope is the immutable wire-level unit exchanged between simulation
// actors. All fields are fixed at construction.
//
// Target semantics: empty slice = broadcast to the whole namespace,
// one entry = unicast, several entries = multicast.
type Envelope struct {
	ID            string
	Type          EventType
	Timestamp     time.Time
	Source        string
	Targets       []string
	Data          json.RawMessage
	CorrelationID string
}

// Option is a functional option for configuring Envelope construction.
type Option func(*Envelope)

// WithTarget addresses the envelope to a single connection identifier.
func WithTarget(id string) Option {
	return func(e *Envelope) {
		e.Targets = []string{id}
	}
}

// WithTargets addresses the envelope to several connection identifiers,
// each delivered independently.
func WithTargets(ids ...string) Option {
	return func(e *Envelope) {
		e.Targets = append([]string(nil), ids...)
	}
}

// WithCorrelationID pairs this envelope with a request it answers.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		e.CorrelationID = id
	}
}

// WithTime sets a specific creation timestamp instead of time.Now().
// Useful for replayed telemetry and testing.
func WithTime(ts time.Time) Option {
	return func(e *Envelope) {
		e.Timestamp = ts.UTC()
	}
}

// New creates an envelope with a freshly generated unique ID and the
// current timestamp. The data value is marshalled once at construction;
// a nil data value becomes an explicit JSON null.
func New(eventType EventType, data any, source string, opts ...Option) (*Envelope, error) {
	if !eventType.IsValid() {
		return nil, errors.WrapInvalid(errors.ErrUnknownEvent, "Envelope", "New", "empty event type")
	}
	if source == "" {
		return nil, errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "New", "empty source")
	}

	body := nullData
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Envelope", "New", "marshal data")
		}
		body = raw
	}

	e := &Envelope{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Source:    source,
		Data:      body,
	}

	for _, opt := range opts {
		opt(e)
	}

	return e, nil
}

// NewError builds the error-typed reply the router sends back to a sender
// whose message was rejected at the boundary.
func NewError(source, correlationID, code, message string) *Envelope {
	e, _ := New(EventError, ErrorPayload{Code: code, Message: message}, source,
		WithCorrelationID(correlationID))
	return e
}

// NewHeartbeat builds a heartbeat probe carrying the given nonce. The
// nonce is duplicated into the correlation ID so the matching ack can be
// paired without decoding the body.
func NewHeartbeat(source, nonce string) *Envelope {
	e, _ := New(EventHeartbeat, HeartbeatPayload{Nonce: nonce}, source,
		WithCorrelationID(nonce))
	return e
}

// NewHeartbeatAck builds the immediate reply to a heartbeat, echoing its
// nonce.
func NewHeartbeatAck(source, nonce string) *Envelope {
	e, _ := New(EventHeartbeatAck, HeartbeatPayload{Nonce: nonce}, source,
		WithCorrelationID(nonce))
	return e
}

// Validate checks the structural invariants: id, type, timestamp and
// source present and non-empty, data present (explicit null allowed).
// Invalid envelopes must be rejected before they reach any handler.
func (e *Envelope) Validate() error {
	if e == nil {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "nil envelope")
	}
	if e.ID == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing id")
	}
	if !e.Type.IsValid() {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing type")
	}
	if e.Timestamp.IsZero() {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing timestamp")
	}
	if e.Source == "" {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing source")
	}
	if len(e.Data) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "missing data")
	}
	for _, target := range e.Targets {
		if target == "" {
			return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "Validate", "empty target id")
		}
	}
	return nil
}

// IsBroadcast reports whether the envelope has no explicit target.
func (e *Envelope) IsBroadcast() bool {
	return len(e.Targets) == 0
}

// Clone returns a deep copy. Dispatch to multiple targets hands each
// receiver its own copy so envelopes are never shared across boundaries.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	clone := *e
	if e.Targets != nil {
		clone.Targets = append([]string(nil), e.Targets...)
	}
	if e.Data != nil {
		clone.Data = append(json.RawMessage(nil), e.Data...)
	}
	return &clone
}

// Equal reports whether two envelopes are identical field for field.
// Data bodies compare byte-wise.
func (e *Envelope) Equal(other *Envelope) bool {
	if e == nil || other == nil {
		return e == other
	}
	if e.ID != other.ID || e.Type != other.Type || e.Source != other.Source ||
		e.CorrelationID != other.CorrelationID || !e.Timestamp.Equal(other.Timestamp) {
		return false
	}
	if len(e.Targets) != len(other.Targets) {
		return false
	}
	for i := range e.Targets {
		if e.Targets[i] != other.Targets[i] {
			return false
		}
	}
	return bytes.Equal(e.Data, other.Data)
}

// wireFormat is the JSON shape of an envelope. The target field accepts
// null, a single string, or an array of strings.
type wireFormat struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Timestamp     string          `json:"timestamp"`
	Source        string          `json:"source"`
	Target        json.RawMessage `json:"target,omitempty"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlationId,omitempty"`
}

// MarshalJSON implements json.Marshaler. A single target serializes as a
// bare string, several as an array, none as an absent field.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	wire := wireFormat{
		ID:            e.ID,
		Type:          e.Type.String(),
		Timestamp:     e.Timestamp.UTC().Format(time.RFC3339Nano),
		Source:        e.Source,
		Data:          e.Data,
		CorrelationID: e.CorrelationID,
	}
	if len(wire.Data) == 0 {
		wire.Data = nullData
	}

	switch len(e.Targets) {
	case 0:
		// Absent target means broadcast.
	case 1:
		raw, err := json.Marshal(e.Targets[0])
		if err != nil {
			return nil, errors.WrapInvalid(err, "Envelope", "MarshalJSON", "marshal target")
		}
		wire.Target = raw
	default:
		raw, err := json.Marshal(e.Targets)
		if err != nil {
			return nil, errors.WrapInvalid(err, "Envelope", "MarshalJSON", "marshal targets")
		}
		wire.Target = raw
	}

	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler. The event type string is
// parsed once here; unparseable input never produces a partially filled
// envelope.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire wireFormat
	if err := json.Unmarshal(data, &wire); err != nil {
		return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "decode wire format")
	}

	eventType, err := ParseEventType(wire.Type)
	if err != nil {
		return err
	}

	var ts time.Time
	if wire.Timestamp != "" {
		ts, err = time.Parse(time.RFC3339Nano, wire.Timestamp)
		if err != nil {
			return errors.WrapInvalid(err, "Envelope", "UnmarshalJSON", "parse timestamp")
		}
	}

	targets, err := parseTargets(wire.Target)
	if err != nil {
		return err
	}

	body := wire.Data
	if len(body) == 0 {
		body = nil
	}

	*e = Envelope{
		ID:            wire.ID,
		Type:          eventType,
		Timestamp:     ts.UTC(),
		Source:        wire.Source,
		Targets:       targets,
		Data:          body,
		CorrelationID: wire.CorrelationID,
	}
	return nil
}

// parseTargets decodes the polymorphic target field: absent or null for
// broadcast, a string for unicast, an array for multicast.
func parseTargets(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	switch raw[0] {
	case '"':
		var single string
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, errors.WrapInvalid(err, "Envelope", "parseTargets", "decode target string")
		}
		return []string{single}, nil
	case '[':
		var many []string
		if err := json.Unmarshal(raw, &many); err != nil {
			return nil, errors.WrapInvalid(err, "Envelope", "parseTargets", "decode target array")
		}
		if len(many) == 0 {
			return nil, nil
		}
		return many, nil
	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("target must be a string or array, got %s", string(raw)),
			"Envelope", "parseTargets", "decode target")
	}
}

// Decode deserializes and validates an inbound wire message in one step.
// Every inbound message passes through here before dispatch.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}

// DecodeData unmarshals the envelope body into the given value.
func (e *Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidEnvelope, "Envelope", "DecodeData", "missing data")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return errors.WrapInvalid(err, "Envelope", "DecodeData", "decode data body")
	}
	return nil
}
