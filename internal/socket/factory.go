// Package socket opens and operates the realtime connection: negotiate a
// session, dial the WebSocket, complete the protocol handshake and wire the
// inbound frame callback before handing the connection over.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/mkarlsson/agentlink/internal/negotiate"
	"github.com/mkarlsson/agentlink/internal/wire"
)

// Negotiator issues one-shot socket sessions.
type Negotiator interface {
	Negotiate(ctx context.Context, identity string) (*negotiate.Session, error)
}

// Factory builds authenticated, message-ready connections.
type Factory struct {
	negotiator Negotiator
	cfg        ClientConfig
	onFrame    FrameFunc
	logger     *slog.Logger
}

// NewFactory creates a Factory. onFrame receives every inbound non-reply
// frame; it is shared by all connections the factory produces.
func NewFactory(n Negotiator, cfg ClientConfig, onFrame FrameFunc, logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{
		negotiator: n,
		cfg:        cfg,
		onFrame:    onFrame,
		logger:     logger,
	}
}

// Dial negotiates credentials, opens the socket and completes the protocol
// handshake. The returned Conn is ready for joins and sends.
func (f *Factory) Dial(ctx context.Context, identity string) (Conn, error) {
	sess, err := f.negotiator.Negotiate(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("negotiate: %w", err)
	}

	socketURL, err := sess.SocketURL()
	if err != nil {
		return nil, fmt.Errorf("build socket url: %w", err)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")

	dialer := websocket.Dialer{
		HandshakeTimeout: f.cfg.DialTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, socketURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial socket: %w", err)
	}

	c := newConn(ws, f.cfg, f.onFrame, f.logger)

	if err := f.handshake(ctx, c); err != nil {
		c.Close()
		return nil, err
	}

	f.logger.Debug("socket connected", "hub", sess.HubName)

	return c, nil
}

// handshake upgrades the raw socket into a message-ready connection.
func (f *Factory) handshake(ctx context.Context, c *conn) error {
	payload, err := json.Marshal(wire.HandshakePayload{
		Protocol: wire.ProtocolName,
		Version:  wire.ProtocolVersion,
	})
	if err != nil {
		return fmt.Errorf("marshal handshake: %w", err)
	}

	_, err = c.roundTrip(ctx, wire.Frame{Type: wire.FrameHandshake, Payload: payload})
	if err == nil {
		return nil
	}

	// A server rejection during the upgrade is handshake-class.
	var se *wire.ServerError
	if errors.As(err, &se) {
		return &wire.HandshakeError{Code: se.Code, Message: se.Message}
	}
	if errors.Is(err, ErrTimeout) {
		return &wire.HandshakeError{Message: "no handshake ack before deadline"}
	}
	return fmt.Errorf("handshake: %w", err)
}

// Transient reports whether a dial failure is handshake-class and therefore
// worth a bounded retry. Structured errors are preferred; text matching is
// the fallback for plain transport errors.
func Transient(err error) bool {
	var he *wire.HandshakeError
	if errors.As(err, &he) {
		return true
	}

	var ae *negotiate.APIError
	if errors.As(err, &ae) {
		return ae.IsRetryable()
	}

	return wire.IsHandshakeClass(err)
}
