package natsbridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guerillacodester/vehicle-simulator-sub007/envelope"
	"github.com/guerillacodester/vehicle-simulator-sub007/errors"
	"github.com/guerillacodester/vehicle-simulator-sub007/metric"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []publishCall
	err       error
}

type publishCall struct {
	namespace string
	env       *envelope.Envelope
}

func (p *fakePublisher) Publish(namespace string, env *envelope.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishCall{namespace, env})
	return nil
}

func (p *fakePublisher) calls() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.published...)
}

func newTestBridge(t *testing.T, pub *fakePublisher) *Bridge {
	t.Helper()
	b, err := New(Config{URL: "nats://localhost:4222"}, pub, nil, nil)
	require.NoError(t, err)
	return b
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{}, &fakePublisher{}, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(Config{URL: "nats://x", SubjectPrefix: "vsim.>"}, &fakePublisher{}, nil, nil)
	assert.True(t, errors.IsInvalid(err))

	_, err = New(Config{URL: "nats://x"}, nil, nil, nil)
	assert.True(t, errors.IsInvalid(err))
}

func TestNamespaceFor(t *testing.T) {
	b := newTestBridge(t, &fakePublisher{})

	ns, ok := b.namespaceFor("vsim.events.vehicles")
	require.True(t, ok)
	assert.Equal(t, "vehicles", ns)

	ns, ok = b.namespaceFor("vsim.events.passengers.booking.created")
	require.True(t, ok)
	assert.Equal(t, "passengers", ns)

	_, ok = b.namespaceFor("vsim.events")
	assert.False(t, ok)

	_, ok = b.namespaceFor("other.subject")
	assert.False(t, ok)
}

func TestHandleMessage_ForwardsValidEnvelope(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(t, pub)

	env, err := envelope.New("vehicle-position", map[string]float64{"lat": 13.1}, "sim-driver")
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	b.handleMessage(context.Background(), "vsim.events.vehicles", data)

	calls := pub.calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "vehicles", calls[0].namespace)
	assert.Equal(t, env.ID, calls[0].env.ID)
	assert.Equal(t, uint64(1), b.Forwarded())
	assert.Equal(t, uint64(0), b.Rejected())
}

func TestHandleMessage_DropsInvalidPayload(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(t, pub)

	b.handleMessage(context.Background(), "vsim.events.vehicles", []byte("{not json"))
	b.handleMessage(context.Background(), "vsim.events.vehicles", []byte(`{"type":"x"}`))

	assert.Empty(t, pub.calls())
	assert.Equal(t, uint64(2), b.Rejected())
}

func TestHandleMessage_DropsUnknownSubject(t *testing.T) {
	pub := &fakePublisher{}
	b := newTestBridge(t, pub)

	env, err := envelope.New("vehicle-position", nil, "sim-driver")
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	b.handleMessage(context.Background(), "unrelated.subject", data)

	assert.Empty(t, pub.calls())
	assert.Equal(t, uint64(1), b.Rejected())
}

func TestHandleMessage_PublisherErrorCountsRejected(t *testing.T) {
	pub := &fakePublisher{err: errors.ErrNamespaceUnknown}
	b := newTestBridge(t, pub)

	env, err := envelope.New("vehicle-position", nil, "sim-driver")
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	b.handleMessage(context.Background(), "vsim.events.nowhere", data)

	assert.Equal(t, uint64(0), b.Forwarded())
	assert.Equal(t, uint64(1), b.Rejected())
}

func TestHandleMessage_CountsCoreMetrics(t *testing.T) {
	pub := &fakePublisher{}
	metrics := metric.NewMetrics()
	b, err := New(Config{URL: "nats://localhost:4222"}, pub, metrics, nil)
	require.NoError(t, err)

	env, err := envelope.New("vehicle-position", nil, "sim-driver")
	require.NoError(t, err)
	data, err := json.Marshal(env)
	require.NoError(t, err)

	b.handleMessage(context.Background(), "vsim.events.vehicles.position", data)
	b.handleMessage(context.Background(), "vsim.events.vehicles", []byte("{broken"))

	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.MessagesReceived.WithLabelValues("natsbridge", "vehicle-position")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(metrics.MessagesPublished.WithLabelValues("natsbridge", "vsim.events.vehicles")))
}

func TestStop_WithoutStart(t *testing.T) {
	b := newTestBridge(t, &fakePublisher{})
	assert.NoError(t, b.Stop())
}
