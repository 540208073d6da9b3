package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
)

func TestNew_Defaults(t *testing.T) {
	e, err := New("vehicle-position", map[string]any{"lat": 13.1, "lon": -59.6}, "vehicle-BUS42")
	require.NoError(t, err)

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, EventType("vehicle-position"), e.Type)
	assert.Equal(t, "vehicle-BUS42", e.Source)
	assert.False(t, e.Timestamp.IsZero())
	assert.True(t, e.IsBroadcast())
	assert.Empty(t, e.CorrelationID)
	assert.NoError(t, e.Validate())
}

func TestNew_UniqueIDs(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 1000; i++ {
		e, err := New("tick", nil, "test")
		require.NoError(t, err)
		_, dup := seen[e.ID]
		require.False(t, dup, "duplicate envelope ID %s", e.ID)
		seen[e.ID] = struct{}{}
	}
}

func TestNew_NilDataBecomesExplicitNull(t *testing.T) {
	e, err := New("ping", nil, "test")
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), e.Data)
	assert.NoError(t, e.Validate())
}

func TestNew_Options(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	e, err := New("dispatch-order", "reroute", "dispatcher-1",
		WithTargets("vehicle-1", "vehicle-2"),
		WithCorrelationID("req-77"),
		WithTime(ts),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{"vehicle-1", "vehicle-2"}, e.Targets)
	assert.Equal(t, "req-77", e.CorrelationID)
	assert.True(t, e.Timestamp.Equal(ts))
	assert.False(t, e.IsBroadcast())
}

func TestNew_Rejections(t *testing.T) {
	_, err := New("", "data", "src")
	assert.True(t, errors.IsInvalid(err))

	_, err = New("event", "data", "")
	assert.True(t, errors.IsInvalid(err))

	_, err = New("event", func() {}, "src") // unmarshalable data
	assert.True(t, errors.IsInvalid(err))
}

func TestValidate_MissingFields(t *testing.T) {
	valid := func() *Envelope {
		return &Envelope{
			ID:        "id-1",
			Type:      "vehicle-position",
			Timestamp: time.Now(),
			Source:    "src",
			Data:      json.RawMessage("null"),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Envelope)
	}{
		{"missing id", func(e *Envelope) { e.ID = "" }},
		{"missing type", func(e *Envelope) { e.Type = "" }},
		{"missing timestamp", func(e *Envelope) { e.Timestamp = time.Time{} }},
		{"missing source", func(e *Envelope) { e.Source = "" }},
		{"missing data", func(e *Envelope) { e.Data = nil }},
		{"empty target id", func(e *Envelope) { e.Targets = []string{""} }},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(e)
			err := e.Validate()
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}

	var nilEnv *Envelope
	assert.Error(t, nilEnv.Validate())
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"broadcast", nil},
		{"unicast", []Option{WithTarget("dispatcher-1")}},
		{"multicast", []Option{WithTargets("a", "b", "c")}},
		{"correlated", []Option{WithCorrelationID("req-1")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			orig, err := New("vehicle-position", map[string]any{"speed": 42.5}, "vehicle-7", tt.opts...)
			require.NoError(t, err)

			raw, err := json.Marshal(orig)
			require.NoError(t, err)

			decoded, err := Decode(raw)
			require.NoError(t, err)
			assert.True(t, orig.Equal(decoded), "round trip changed envelope:\norig=%+v\ngot=%+v", orig, decoded)
		})
	}
}

func TestMarshal_TargetShapes(t *testing.T) {
	uni, err := New("e", nil, "s", WithTarget("only"))
	require.NoError(t, err)
	raw, err := json.Marshal(uni)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"target":"only"`)

	multi, err := New("e", nil, "s", WithTargets("a", "b"))
	require.NoError(t, err)
	raw, err = json.Marshal(multi)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"target":["a","b"]`)

	broadcast, err := New("e", nil, "s")
	require.NoError(t, err)
	raw, err = json.Marshal(broadcast)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), `"target"`)
}

func TestDecode_MalformedInputs(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", "not json at all"},
		{"missing id", `{"type":"e","timestamp":"2026-01-01T00:00:00Z","source":"s","data":null}`},
		{"missing type", `{"id":"1","timestamp":"2026-01-01T00:00:00Z","source":"s","data":null}`},
		{"missing timestamp", `{"id":"1","type":"e","source":"s","data":null}`},
		{"missing source", `{"id":"1","type":"e","timestamp":"2026-01-01T00:00:00Z","data":null}`},
		{"bad timestamp", `{"id":"1","type":"e","timestamp":"yesterday","source":"s","data":null}`},
		{"bad target shape", `{"id":"1","type":"e","timestamp":"2026-01-01T00:00:00Z","source":"s","target":42,"data":null}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err), "expected invalid classification, got %v", err)
		})
	}
}

func TestDecode_MissingDataRejected(t *testing.T) {
	// The data field must never be absent; explicit null is the empty marker.
	raw := `{"id":"1","type":"e","timestamp":"2026-01-01T00:00:00Z","source":"s"}`
	_, err := Decode([]byte(raw))
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))

	withNull := `{"id":"1","type":"e","timestamp":"2026-01-01T00:00:00Z","source":"s","data":null}`
	e, err := Decode([]byte(withNull))
	require.NoError(t, err)
	assert.Equal(t, json.RawMessage("null"), e.Data)
}

func TestDecode_NullTargetIsBroadcast(t *testing.T) {
	raw := `{"id":"1","type":"e","timestamp":"2026-01-01T00:00:00Z","source":"s","target":null,"data":null}`
	e, err := Decode([]byte(raw))
	require.NoError(t, err)
	assert.True(t, e.IsBroadcast())
}

func TestClone_Independent(t *testing.T) {
	orig, err := New("e", map[string]string{"k": "v"}, "s", WithTargets("a", "b"))
	require.NoError(t, err)

	clone := orig.Clone()
	require.True(t, orig.Equal(clone))

	clone.Targets[0] = "mutated"
	clone.Data[0] = 'X'
	assert.Equal(t, "a", orig.Targets[0])
	assert.NotEqual(t, orig.Data[0], clone.Data[0])
}

func TestDecodeData(t *testing.T) {
	e, err := New("e", map[string]int{"n": 7}, "s")
	require.NoError(t, err)

	var body map[string]int
	require.NoError(t, e.DecodeData(&body))
	assert.Equal(t, 7, body["n"])
}
