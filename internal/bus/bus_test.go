package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/medcore/realtime/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const testChannel = "test_events"

func newTestBus(t *testing.T, hub *MemoryHub) *Bus {
	t.Helper()
	b := New(hub.Broker(), Options{Channel: testChannel})
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = b.Stop() })
	return b
}

// recorder collects messages delivered to a handler
func recorder() (Handler, <-chan Message) {
	ch := make(chan Message, 64)
	return func(ctx context.Context, msg Message) error {
		ch <- msg
		return nil
	}, ch
}

func receiveOne(t *testing.T, ch <-chan Message) Message {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return Message{}
	}
}

func assertNoMessage(t *testing.T, ch <-chan Message) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %s", msg.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTwoHandlersBothFire(t *testing.T) {
	b := newTestBus(t, NewMemoryHub())

	h1, ch1 := recorder()
	h2, ch2 := recorder()
	b.On("vitals.update", h1)
	b.On("vitals.update", h2)

	require.NoError(t, b.Publish(context.Background(), "vitals.update", map[string]any{"bpm": 72}))

	assert.Equal(t, "vitals.update", receiveOne(t, ch1).Type)
	assert.Equal(t, "vitals.update", receiveOne(t, ch2).Type)
	assertNoMessage(t, ch1)
	assertNoMessage(t, ch2)
}

func TestFailingHandlerDoesNotStopSiblings(t *testing.T) {
	tests := []struct {
		name    string
		handler Handler
	}{
		{
			name: "returns error",
			handler: func(ctx context.Context, msg Message) error {
				return errors.New("boom")
			},
		},
		{
			name: "panics",
			handler: func(ctx context.Context, msg Message) error {
				panic("boom")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.ErrorLevel)
			hub := NewMemoryHub()
			m := metrics.New()
			b := New(hub.Broker(), Options{Channel: testChannel, Logger: zap.New(core), Metrics: m})
			require.NoError(t, b.Start(context.Background()))
			defer b.Stop()

			good, ch := recorder()
			b.On("x", tt.handler)
			b.On("x", good)

			require.NoError(t, b.Publish(context.Background(), "x", nil))
			receiveOne(t, ch)

			require.Eventually(t, func() bool {
				return logs.FilterMessage("handler failed").Len() == 1
			}, time.Second, 10*time.Millisecond)
		})
	}
}

func TestOffRemovesOnlyOneRegistration(t *testing.T) {
	b := newTestBus(t, NewMemoryHub())

	h1, ch1 := recorder()
	h2, ch2 := recorder()
	id1 := b.On("x", h1)
	b.On("x", h2)

	b.Off("x", id1)
	b.Off("x", id1)     // second removal is ignored
	b.Off("unknown", 9) // unknown type is ignored
	assert.Equal(t, 1, b.HandlerCount("x"))

	require.NoError(t, b.Publish(context.Background(), "x", nil))
	receiveOne(t, ch2)
	assertNoMessage(t, ch1)
}

func TestRoundTripAcrossInstances(t *testing.T) {
	hub := NewMemoryHub()
	a := newTestBus(t, hub)
	b := newTestBus(t, hub)

	h, ch := recorder()
	b.On("system.event", h)

	payload := map[string]any{
		"scope":  "TERMINAL",
		"target": "t1",
		"type":   "vitals.update",
		"payload": map[string]any{
			"bpm":    float64(72),
			"flags":  []any{"low-battery", true},
			"nested": map[string]any{"z": nil, "a": "b"},
		},
	}
	require.NoError(t, a.Publish(context.Background(), "system.event", payload))

	msg := receiveOne(t, ch)
	assert.Equal(t, "system.event", msg.Type)

	var got map[string]any
	require.NoError(t, msg.Decode(&got))
	assert.Equal(t, "system.event", got["busType"])

	delete(got, "busType")
	assert.Equal(t, payload, got)
}

func TestPayloadWithoutTypeCarriesBusType(t *testing.T) {
	hub := NewMemoryHub()
	a := newTestBus(t, hub)
	b := newTestBus(t, hub)

	h, ch := recorder()
	b.On("system.event", h)

	require.NoError(t, a.Publish(context.Background(), "system.event", map[string]any{"scope": "GLOBAL"}))

	var got map[string]any
	require.NoError(t, receiveOne(t, ch).Decode(&got))
	assert.Equal(t, map[string]any{"type": "system.event", "scope": "GLOBAL"}, got)
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := NewMemoryHub()
	a := newTestBus(t, hub)
	b := newTestBus(t, hub)

	h, ch := recorder()
	b.On("seq", h)

	for i := 0; i < 50; i++ {
		require.NoError(t, a.Publish(context.Background(), "seq", map[string]any{"n": i}))
	}
	for i := 0; i < 50; i++ {
		var body struct{ N int }
		require.NoError(t, receiveOne(t, ch).Decode(&body))
		assert.Equal(t, i, body.N)
	}
}

func TestMalformedMessagesAreDiscarded(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	hub := NewMemoryHub()
	m := metrics.New()
	b := New(hub.Broker(), Options{Channel: testChannel, Logger: zap.New(core), Metrics: m})
	require.NoError(t, b.Start(context.Background()))
	defer b.Stop()

	h, ch := recorder()
	b.On("ok", h)

	raw := hub.Broker()
	require.NoError(t, raw.Connect(context.Background()))
	defer raw.Close()

	bodies := []string{
		`not json`,
		`[1,2,3]`,
		`null`,
		`{"no_type":true}`,
		`{"type":42}`,
		`{"type":""}`,
		`{"type":"ok","busType":7}`,
		`{"type":"ok","extra":{"unknown":"field"}}`,
	}
	for _, body := range bodies {
		require.NoError(t, raw.Publish(context.Background(), testChannel, []byte(body)))
	}

	msg := receiveOne(t, ch)
	assert.JSONEq(t, `{"type":"ok","extra":{"unknown":"field"}}`, string(msg.Body))

	require.Eventually(t, func() bool {
		return logs.FilterMessage("discarding message").Len() == 7
	}, time.Second, 10*time.Millisecond)
}

func TestStartFailsWhenBrokerDown(t *testing.T) {
	hub := NewMemoryHub()
	hub.SetDown(true)

	b := New(hub.Broker(), Options{Channel: testChannel})
	err := b.Start(context.Background())
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.False(t, b.Running())

	// Stop after a failed start is safe and idempotent
	assert.NoError(t, b.Stop())
	assert.NoError(t, b.Stop())
}

func TestStartRequiresChannel(t *testing.T) {
	b := New(NewMemoryHub().Broker(), Options{})
	assert.ErrorIs(t, b.Start(context.Background()), ErrBrokerUnavailable)
}

func TestPublishFailures(t *testing.T) {
	t.Run("not started", func(t *testing.T) {
		b := New(NewMemoryHub().Broker(), Options{Channel: testChannel})
		err := b.Publish(context.Background(), "x", nil)
		assert.ErrorIs(t, err, ErrPublishFailed)
		assert.ErrorIs(t, err, ErrNotStarted)
	})

	t.Run("broker down", func(t *testing.T) {
		hub := NewMemoryHub()
		b := newTestBus(t, hub)
		hub.SetDown(true)
		assert.ErrorIs(t, b.Publish(context.Background(), "x", nil), ErrPublishFailed)

		hub.SetDown(false)
		assert.NoError(t, b.Publish(context.Background(), "x", nil))
	})

	t.Run("payload is not an object", func(t *testing.T) {
		b := newTestBus(t, NewMemoryHub())
		assert.ErrorIs(t, b.Publish(context.Background(), "x", []int{1, 2}), ErrPublishFailed)
	})

	t.Run("after stop", func(t *testing.T) {
		b := newTestBus(t, NewMemoryHub())
		require.NoError(t, b.Stop())
		assert.ErrorIs(t, b.Publish(context.Background(), "x", nil), ErrPublishFailed)
	})
}

func TestStopClearsHandlers(t *testing.T) {
	b := newTestBus(t, NewMemoryHub())
	h, _ := recorder()
	b.On("x", h)
	require.Equal(t, 1, b.HandlerCount("x"))

	require.NoError(t, b.Stop())
	assert.Equal(t, 0, b.HandlerCount("x"))
}

func TestEncode(t *testing.T) {
	tests := []struct {
		name    string
		payload any
		want    string
		wantErr bool
	}{
		{name: "nil payload", payload: nil, want: `{"type":"x"}`},
		{name: "map payload", payload: map[string]any{"a": 1}, want: `{"type":"x","a":1}`},
		{name: "struct payload", payload: struct {
			Scope string `json:"scope"`
		}{"GLOBAL"}, want: `{"type":"x","scope":"GLOBAL"}`},
		{name: "own type is kept", payload: map[string]any{"type": "other"}, want: `{"type":"other","busType":"x"}`},
		{name: "own type equals bus type", payload: map[string]any{"type": "x", "a": 1}, want: `{"type":"x","a":1}`},
		{name: "busType is reserved", payload: map[string]any{"busType": "y"}, wantErr: true},
		{name: "own type is not a string", payload: map[string]any{"type": 5}, wantErr: true},
		{name: "own type is empty", payload: map[string]any{"type": ""}, wantErr: true},
		{name: "raw json", payload: json.RawMessage(`{"k":[1]}`), want: `{"type":"x","k":[1]}`},
		{name: "scalar payload", payload: 5, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := encode("x", tt.payload)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(data))
		})
	}
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType string
		wantErr  bool
	}{
		{name: "type only", body: `{"type":"system.event","scope":"GLOBAL"}`, wantType: "system.event"},
		{name: "busType wins", body: `{"type":"vitals.update","busType":"system.event"}`, wantType: "system.event"},
		{name: "empty busType", body: `{"type":"x","busType":""}`, wantErr: true},
		{name: "busType without type", body: `{"busType":"x"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := decode([]byte(tt.body))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedMessage)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, msg.Type)
		})
	}
}

// drainingBroker runs each delivery on its own goroutine and waits for all of them in
// Close, the way RedisBroker waits for its receive loop
type drainingBroker struct {
	mu       sync.Mutex
	fn       func([]byte)
	inflight sync.WaitGroup
}

func (d *drainingBroker) Connect(ctx context.Context) error { return nil }

func (d *drainingBroker) Publish(ctx context.Context, channel string, data []byte) error {
	d.mu.Lock()
	fn := d.fn
	d.mu.Unlock()
	if fn == nil {
		return nil
	}
	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		fn(data)
	}()
	return nil
}

func (d *drainingBroker) Subscribe(ctx context.Context, channel string, fn func([]byte)) error {
	d.mu.Lock()
	d.fn = fn
	d.mu.Unlock()
	return nil
}

func (d *drainingBroker) Subscribed() bool { return true }

func (d *drainingBroker) Close() error {
	d.mu.Lock()
	d.fn = nil
	d.mu.Unlock()
	d.inflight.Wait()
	return nil
}

func TestStopWhileHandlerPublishes(t *testing.T) {
	b := New(&drainingBroker{}, Options{Channel: testChannel})
	require.NoError(t, b.Start(context.Background()))

	entered := make(chan struct{})
	proceed := make(chan struct{})
	published := make(chan error, 1)
	b.On("ping", func(ctx context.Context, msg Message) error {
		close(entered)
		<-proceed
		published <- b.Publish(ctx, "pong", nil)
		return nil
	})

	require.NoError(t, b.Publish(context.Background(), "ping", nil))
	<-entered

	stopped := make(chan error, 1)
	go func() { stopped <- b.Stop() }()

	require.Eventually(t, func() bool { return !b.Running() }, time.Second, 5*time.Millisecond)
	close(proceed)

	select {
	case err := <-stopped:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return while a handler was publishing")
	}
	assert.ErrorIs(t, <-published, ErrNotStarted)
}

func TestConnectedFollowsBroker(t *testing.T) {
	hub := NewMemoryHub()
	b := New(hub.Broker(), Options{Channel: testChannel})
	assert.False(t, b.Connected())

	require.NoError(t, b.Start(context.Background()))
	assert.True(t, b.Connected())

	hub.SetDown(true)
	assert.False(t, b.Connected())
	assert.True(t, b.Running())

	hub.SetDown(false)
	assert.True(t, b.Connected())

	require.NoError(t, b.Stop())
	assert.False(t, b.Connected())
}

func TestRegisteredAfterStop(t *testing.T) {
	b := newTestBus(t, NewMemoryHub())
	h, _ := recorder()
	id := b.On("x", h)
	assert.True(t, b.Registered("x", id))

	b.Off("x", id)
	assert.False(t, b.Registered("x", id))

	id = b.On("x", h)
	require.NoError(t, b.Stop())
	assert.False(t, b.Registered("x", id))
}
