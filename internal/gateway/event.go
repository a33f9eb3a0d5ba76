package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/medcore/realtime/internal/bus"
	"github.com/medcore/realtime/internal/registry"
)

// SystemEventType is the bus message type carrying a SystemEvent
const SystemEventType = "system.event"

// Scope selects which local group a system event is delivered to
type Scope string

const (
	ScopeGlobal   Scope = "GLOBAL"
	ScopeUnit     Scope = "UNIT"
	ScopeTerminal Scope = "TERMINAL"
)

// SystemEvent is a scoped client event distributed to every instance.
// Type is the event name clients receive.
type SystemEvent struct {
	Scope   Scope           `json:"scope"`
	Target  string          `json:"target,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Group maps the event scope to a registry group name
func (e SystemEvent) Group() (string, error) {
	switch e.Scope {
	case ScopeGlobal:
		return registry.GroupGlobal, nil
	case ScopeUnit:
		if e.Target == "" {
			return "", fmt.Errorf("%w: %s without target", ErrUnrecognizedScope, e.Scope)
		}
		return registry.UnitGroup(e.Target), nil
	case ScopeTerminal:
		if e.Target == "" {
			return "", fmt.Errorf("%w: %s without target", ErrUnrecognizedScope, e.Scope)
		}
		return registry.TerminalGroup(e.Target), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnrecognizedScope, e.Scope)
	}
}

// Validate checks the fields a publisher must provide
func (e SystemEvent) Validate() error {
	if e.Type == "" || e.Type == SystemEventType {
		return fmt.Errorf("event type is required")
	}
	if len(e.Payload) > 0 && !json.Valid(e.Payload) {
		return fmt.Errorf("payload is not valid JSON")
	}
	_, err := e.Group()
	return err
}

// PublishSystemEvent validates ev and publishes it on the bus for every instance
func PublishSystemEvent(ctx context.Context, b *bus.Bus, ev SystemEvent) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	return b.Publish(ctx, SystemEventType, ev)
}

// payloadOrNull keeps the client frame shape stable for events without payload
func payloadOrNull(p json.RawMessage) json.RawMessage {
	if len(p) == 0 {
		return json.RawMessage("null")
	}
	return p
}
