// Package bus fans typed events out across server instances over a shared broker channel.
//
// Every instance publishes to, and subscribes on, one well-known channel. Messages are
// JSON objects of the form {"type": eventType, ...payload}. When the payload brings its
// own "type" that value is kept and the bus type moves to the reserved "busType" key.
// The bus dispatches each inbound message to all local handlers registered for its bus
// type: "busType" when present, otherwise "type".
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/medcore/realtime/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrPublishFailed     = errors.New("publish failed")
	ErrMalformedMessage  = errors.New("malformed message")
	ErrNotStarted        = errors.New("bus not started")
	ErrReservedField     = errors.New("reserved field in payload")
)

const (
	typeField = "type"
	// busTypeField carries the dispatch type when the payload's own type differs
	busTypeField = "busType"
)

// Handler is invoked for each inbound message of a registered type
type Handler func(ctx context.Context, msg Message) error

// HandlerID identifies one registration so it can be removed without touching others
type HandlerID uint64

// Message is one decoded inbound broker message
type Message struct {
	// Type is the bus type the message was dispatched on
	Type string
	// Body is the complete JSON object as received, envelope fields included
	Body json.RawMessage
}

// Decode unmarshals the full message body into v
func (m Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

type registration struct {
	id      HandlerID
	handler Handler
}

// Options configures a Bus
type Options struct {
	Channel string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Bus is a process-local view of the shared broker channel
type Bus struct {
	broker  Broker
	channel string
	logger  *zap.Logger
	metrics *metrics.Metrics

	// lifecycle serializes Start and Stop. Handlers never take it.
	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc

	mu       sync.RWMutex
	handlers map[string][]registration
	nextID   HandlerID
}

// New creates a bus over broker. Nothing is connected until Start.
func New(broker Broker, opts Options) *Bus {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Bus{
		broker:   broker,
		channel:  opts.Channel,
		logger:   opts.Logger.Named("bus"),
		metrics:  opts.Metrics,
		handlers: make(map[string][]registration),
	}
}

// Start connects the broker and subscribes to the shared channel.
// Any failure is reported as ErrBrokerUnavailable and leaves the bus stopped.
func (b *Bus) Start(ctx context.Context) error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	if b.running.Load() {
		return nil
	}
	if b.channel == "" {
		return fmt.Errorf("%w: no channel configured", ErrBrokerUnavailable)
	}

	if err := b.broker.Connect(ctx); err != nil {
		_ = b.broker.Close()
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if err := b.broker.Subscribe(ctx, b.channel, func(data []byte) { b.receive(runCtx, data) }); err != nil {
		cancel()
		_ = b.broker.Close()
		return fmt.Errorf("%w: subscribe %s: %w", ErrBrokerUnavailable, b.channel, err)
	}

	b.cancel = cancel
	b.running.Store(true)
	b.logger.Info("bus started", zap.String("channel", b.channel))
	return nil
}

// Stop closes both broker connections and clears every handler registration, so
// components that registered handlers must register again after a restart.
// Publishes from handlers still running fail with ErrNotStarted while Stop waits for
// them. It is safe to call repeatedly and after a failed Start.
func (b *Bus) Stop() error {
	b.lifecycle.Lock()
	defer b.lifecycle.Unlock()

	wasRunning := b.running.Swap(false)
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	err := b.broker.Close()

	b.mu.Lock()
	b.handlers = make(map[string][]registration)
	b.mu.Unlock()

	if wasRunning {
		b.logger.Info("bus stopped")
	}
	return err
}

// Running reports whether Start succeeded and Stop has not been called since
func (b *Bus) Running() bool {
	return b.running.Load()
}

// Connected reports whether the bus is running and its subscription is currently live.
// It is false while the broker re-establishes a lost subscription.
func (b *Bus) Connected() bool {
	return b.Running() && b.broker.Subscribed()
}

// Publish sends {"type": eventType, ...payload} on the shared channel.
// payload must marshal to a JSON object (or be nil). A string "type" in payload is kept
// and eventType travels under "busType"; a "busType" key in payload is rejected.
// No acknowledgement from remote subscribers is awaited.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any) error {
	if !b.Running() {
		return fmt.Errorf("%w: %w", ErrPublishFailed, ErrNotStarted)
	}

	data, err := encode(eventType, payload)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}

	if err := b.broker.Publish(ctx, b.channel, data); err != nil {
		b.logger.Warn("publish failed", zap.String("type", eventType), zap.Error(err))
		return fmt.Errorf("%w: %w", ErrPublishFailed, err)
	}
	b.metrics.BusPublished()
	return nil
}

// On registers handler for eventType. Handlers for one type run in registration order.
// Registrations last until Off or Stop.
func (b *Bus) On(eventType string, handler Handler) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[eventType] = append(b.handlers[eventType], registration{id: id, handler: handler})
	return id
}

// Off removes one registration. Unknown ids are ignored.
func (b *Bus) Off(eventType string, id HandlerID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.handlers[eventType]
	for i, r := range regs {
		if r.id != id {
			continue
		}
		kept := make([]registration, 0, len(regs)-1)
		kept = append(kept, regs[:i]...)
		kept = append(kept, regs[i+1:]...)
		if len(kept) == 0 {
			delete(b.handlers, eventType)
		} else {
			b.handlers[eventType] = kept
		}
		return
	}
}

// Registered reports whether the registration id for eventType is still present
func (b *Bus) Registered(eventType string, id HandlerID) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, r := range b.handlers[eventType] {
		if r.id == id {
			return true
		}
	}
	return false
}

// HandlerCount returns the number of registrations for eventType
func (b *Bus) HandlerCount(eventType string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[eventType])
}

// receive decodes one broker message and dispatches it. Malformed bodies are dropped.
func (b *Bus) receive(ctx context.Context, data []byte) {
	msg, err := decode(data)
	if err != nil {
		b.metrics.BusMessage(metrics.BusMalformed)
		b.logger.Warn("discarding message", zap.Error(err), zap.Int("bytes", len(data)))
		return
	}
	b.dispatch(ctx, msg)
}

func (b *Bus) dispatch(ctx context.Context, msg Message) {
	b.mu.RLock()
	regs := b.handlers[msg.Type]
	b.mu.RUnlock()

	if len(regs) == 0 {
		b.metrics.BusMessage(metrics.BusUnhandled)
		b.logger.Debug("no handler for message", zap.String("type", msg.Type))
		return
	}

	b.metrics.BusMessage(metrics.BusDispatched)
	for _, r := range regs {
		if err := b.invoke(ctx, r.handler, msg); err != nil {
			b.metrics.HandlerFailed()
			b.logger.Error("handler failed",
				zap.String("type", msg.Type),
				zap.Uint64("handler", uint64(r.id)),
				zap.Error(err),
			)
		}
	}
}

// invoke runs one handler, converting a panic into an error
func (b *Bus) invoke(ctx context.Context, h Handler, msg Message) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("handler panic: %v", p)
		}
	}()
	return h(ctx, msg)
}

func encode(eventType string, payload any) ([]byte, error) {
	fields := map[string]json.RawMessage{}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		if string(raw) != "null" {
			if err := json.Unmarshal(raw, &fields); err != nil {
				return nil, fmt.Errorf("payload must be a JSON object: %w", err)
			}
		}
	}

	if _, ok := fields[busTypeField]; ok {
		return nil, fmt.Errorf("%w: %s", ErrReservedField, busTypeField)
	}

	typ, err := json.Marshal(eventType)
	if err != nil {
		return nil, err
	}
	own, ok := fields[typeField]
	if !ok {
		fields[typeField] = typ
		return json.Marshal(fields)
	}

	var ownType string
	if err := json.Unmarshal(own, &ownType); err != nil || ownType == "" {
		return nil, fmt.Errorf("%w: %s must be a non-empty string", ErrReservedField, typeField)
	}
	if ownType != eventType {
		fields[busTypeField] = typ
	}
	return json.Marshal(fields)
}

func decode(data []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrMalformedMessage, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: body is not an object", ErrMalformedMessage)
	}

	var typ string
	raw, ok := fields[typeField]
	if !ok {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if err := json.Unmarshal(raw, &typ); err != nil || typ == "" {
		return Message{}, fmt.Errorf("%w: type must be a non-empty string", ErrMalformedMessage)
	}
	if raw, ok := fields[busTypeField]; ok {
		if err := json.Unmarshal(raw, &typ); err != nil || typ == "" {
			return Message{}, fmt.Errorf("%w: busType must be a non-empty string", ErrMalformedMessage)
		}
	}

	return Message{Type: typ, Body: json.RawMessage(data)}, nil
}
