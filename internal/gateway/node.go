package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/centrifugal/centrifuge"
	"github.com/medcore/realtime/internal/logging"
	"go.uber.org/zap"
)

// Node serves the gateway over the Centrifuge client protocol
type Node struct {
	node    *centrifuge.Node
	gateway *Gateway
	logger  *zap.Logger
}

// NodeConfig holds configuration for the realtime node
type NodeConfig struct {
	// ClientQueueMaxSize is the max bytes to buffer per client before disconnect (default 2MB)
	ClientQueueMaxSize int
	Logger             *zap.Logger
}

type handshakeKey struct{}

// NewNode creates a Centrifuge node that admits clients through g
func NewNode(g *Gateway, cfg NodeConfig) (*Node, error) {
	if cfg.ClientQueueMaxSize == 0 {
		cfg.ClientQueueMaxSize = 2 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	node, err := centrifuge.New(centrifuge.Config{
		LogLevel:           logging.CentrifugeLevel(cfg.Logger),
		LogHandler:         logging.CentrifugeHandler(cfg.Logger.Named("centrifuge")),
		ClientQueueMaxSize: cfg.ClientQueueMaxSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create centrifuge node: %w", err)
	}

	n := &Node{node: node, gateway: g, logger: cfg.Logger.Named("node")}
	n.setupHandlers()

	return n, nil
}

// setupHandlers configures the Centrifuge event handlers
func (n *Node) setupHandlers() {
	// Every connection is accepted at the protocol level so a rejected client can still
	// be told why. Admission itself happens in OnConnect.
	n.node.OnConnecting(func(ctx context.Context, e centrifuge.ConnectEvent) (centrifuge.ConnectReply, error) {
		hs, _ := ctx.Value(handshakeKey{}).(Handshake)
		hs.Token = e.Token
		return centrifuge.ConnectReply{
			Context:     context.WithValue(ctx, handshakeKey{}, hs),
			Credentials: &centrifuge.Credentials{},
		}, nil
	})

	n.node.OnConnect(func(client *centrifuge.Client) {
		hs, _ := client.Context().Value(handshakeKey{}).(Handshake)

		conn := &centrifugeConn{client: client}
		if _, err := n.gateway.Admit(client.Context(), client.ID(), hs, conn); err != nil {
			return
		}

		client.OnDisconnect(func(e centrifuge.DisconnectEvent) {
			n.gateway.HandleDisconnect(client.ID())
		})
	})
}

// Run starts the Centrifuge node
func (n *Node) Run() error {
	return n.node.Run()
}

// Shutdown gracefully stops the node
func (n *Node) Shutdown(ctx context.Context) error {
	return n.node.Shutdown(ctx)
}

// WebSocketHandler returns an HTTP handler for Centrifuge WebSocket connections.
// checkOrigin may be nil to allow same-origin requests only.
func (n *Node) WebSocketHandler(checkOrigin func(r *http.Request) bool) http.Handler {
	ws := centrifuge.NewWebsocketHandler(n.node, centrifuge.WebsocketConfig{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     checkOrigin,
	})
	return HandshakeMiddleware(ws)
}

// HandshakeMiddleware captures the upgrade request's header and query for admission
func HandshakeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), handshakeKey{}, HandshakeFromRequest(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// centrifugeConn adapts a Centrifuge client to Conn. Events are sent as async messages.
type centrifugeConn struct {
	client *centrifuge.Client
}

func (c *centrifugeConn) Send(eventType string, payload json.RawMessage) error {
	data, err := encodeFrame(eventType, payload)
	if err != nil {
		return err
	}
	return c.client.Send(data)
}

func (c *centrifugeConn) Reject(reason string) {
	c.client.Disconnect(centrifuge.DisconnectInvalidToken)
}

func (c *centrifugeConn) Close() {
	c.client.Disconnect(centrifuge.DisconnectForceNoReconnect)
}
