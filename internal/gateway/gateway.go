// Package gateway terminates client realtime connections. It admits authenticated
// sessions into the local registry and forwards system events from the bus to the
// matching groups.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/medcore/realtime/internal/bus"
	"github.com/medcore/realtime/internal/metrics"
	"github.com/medcore/realtime/internal/registry"
	"go.uber.org/zap"
)

var (
	ErrAdmissionRejected = errors.New("admission rejected")
	ErrUnrecognizedScope = errors.New("unrecognized scope")
)

// AuthErrorEvent is sent to a client right before a rejected connection is closed
const AuthErrorEvent = "auth.error"

// Rejection reasons sent in the auth.error message
const (
	reasonMissingToken = "authentication required"
	reasonInvalidToken = "invalid or expired token"
)

// Conn is a client transport as seen by the gateway
type Conn interface {
	registry.Transport
	// Reject closes the connection after an auth.error has been queued
	Reject(reason string)
	// Close terminates an admitted connection
	Close()
}

// Options configures a Gateway
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Gateway owns one registry and one bus subscription
type Gateway struct {
	bus       *bus.Bus
	registry  *registry.Registry
	validator TokenValidator
	logger    *zap.Logger
	metrics   *metrics.Metrics

	mu        sync.Mutex
	handlerID bus.HandlerID
	started   bool
}

func New(b *bus.Bus, reg *registry.Registry, validator TokenValidator, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Gateway{
		bus:       b,
		registry:  reg,
		validator: validator,
		logger:    opts.Logger.Named("gateway"),
		metrics:   opts.Metrics,
	}
}

// Start registers the system event handler on the bus. Calling it again after the bus
// was stopped and restarted renews the registration that Stop cleared.
func (g *Gateway) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started && g.bus.Registered(SystemEventType, g.handlerID) {
		return
	}
	g.handlerID = g.bus.On(SystemEventType, g.handleSystemEvent)
	g.started = true
}

// Stop removes the system event handler. Admitted sessions are left to their transports.
func (g *Gateway) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.started {
		return
	}
	g.bus.Off(SystemEventType, g.handlerID)
	g.started = false
}

// Registry returns the registry of local sessions
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// Publish sends a system event to every instance, this one included
func (g *Gateway) Publish(ctx context.Context, ev SystemEvent) error {
	return PublishSystemEvent(ctx, g.bus, ev)
}

// Admit runs admission for a new connection. On success the session joins global plus
// the groups declared in the handshake. On failure the client receives auth.error, the
// connection is closed and the error wraps ErrAdmissionRejected.
func (g *Gateway) Admit(ctx context.Context, sessionID string, hs Handshake, conn Conn) (*registry.Session, error) {
	token := hs.Credential()
	if token == "" {
		return nil, g.reject(sessionID, hs, conn, reasonMissingToken, nil)
	}

	identity, err := g.validator.ValidateToken(ctx, token)
	if err == nil && (identity == nil || identity.Username == "") {
		err = errors.New("validator returned no identity")
	}
	if err != nil {
		return nil, g.reject(sessionID, hs, conn, reasonInvalidToken, err)
	}

	s := &registry.Session{
		ID:         sessionID,
		Identity:   identity,
		TerminalID: hs.TerminalID(),
		UnitID:     hs.UnitID(),
		Transport:  conn,
	}
	g.registry.Admit(s, registry.GroupsFor(s.UnitID, s.TerminalID))
	g.metrics.Admission(metrics.AdmissionAccepted)

	g.logger.Info("client connected",
		zap.String("session", sessionID),
		zap.String("user", identity.Username),
		zap.String("unit", s.UnitID),
		zap.String("terminal", s.TerminalID),
	)
	return s, nil
}

func (g *Gateway) reject(sessionID string, hs Handshake, conn Conn, reason string, cause error) error {
	g.metrics.Admission(metrics.AdmissionRejected)

	msg, _ := json.Marshal(map[string]string{"message": reason})
	if err := conn.Send(AuthErrorEvent, msg); err != nil {
		g.logger.Debug("auth.error not delivered", zap.String("session", sessionID), zap.Error(err))
	}
	conn.Reject(reason)

	fields := []zap.Field{
		zap.String("session", sessionID),
		zap.String("remote", hs.RemoteAddr),
		zap.String("reason", reason),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	g.logger.Info("connection rejected", fields...)

	if cause != nil {
		return fmt.Errorf("%w: %s: %w", ErrAdmissionRejected, reason, cause)
	}
	return fmt.Errorf("%w: %s", ErrAdmissionRejected, reason)
}

// HandleDisconnect removes a session whose transport has closed. Unknown IDs are ignored.
func (g *Gateway) HandleDisconnect(sessionID string) {
	if g.registry.Remove(sessionID) {
		g.logger.Info("client disconnected", zap.String("session", sessionID))
	}
}

// Disconnect forcibly closes an admitted session. It reports false for unknown IDs.
func (g *Gateway) Disconnect(sessionID string) bool {
	s, ok := g.registry.Get(sessionID)
	if !ok {
		return false
	}
	g.registry.Remove(sessionID)
	if conn, ok := s.Transport.(Conn); ok {
		conn.Close()
	}
	g.logger.Info("client disconnected by server", zap.String("session", sessionID))
	return true
}

func (g *Gateway) handleSystemEvent(ctx context.Context, msg bus.Message) error {
	var ev SystemEvent
	if err := msg.Decode(&ev); err != nil {
		return fmt.Errorf("decode system event: %w", err)
	}

	group, err := ev.Group()
	if err != nil {
		g.metrics.EventDropped()
		g.logger.Warn("dropping system event",
			zap.String("scope", string(ev.Scope)),
			zap.String("target", ev.Target),
			zap.String("event", ev.Type),
			zap.Error(err),
		)
		return nil
	}
	// A body without its own type carries the bus type in that field
	if ev.Type == "" || ev.Type == SystemEventType {
		g.metrics.EventDropped()
		g.logger.Warn("dropping system event without type", zap.String("group", group))
		return nil
	}

	n := g.registry.DeliverToGroup(group, ev.Type, payloadOrNull(ev.Payload))
	g.logger.Debug("system event delivered",
		zap.String("event", ev.Type),
		zap.String("group", group),
		zap.Int("recipients", n),
	)
	return nil
}

// frame is the JSON envelope written to clients
type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func encodeFrame(eventType string, payload json.RawMessage) ([]byte, error) {
	return json.Marshal(frame{Type: eventType, Payload: payloadOrNull(payload)})
}
