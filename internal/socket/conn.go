package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mkarlsson/agentlink/internal/wire"
)

// conn implements Conn over a gorilla WebSocket.
type conn struct {
	cfg     ClientConfig
	logger  *slog.Logger
	ws      *websocket.Conn
	onFrame FrameFunc

	errs chan error
	done chan struct{}

	// Write serialization
	writeMu sync.Mutex

	// State
	mu         sync.RWMutex
	connected  bool
	closed     bool
	lastPingAt time.Time

	// Request/reply correlation
	pendingMu sync.Mutex
	pending   map[string]chan wire.Frame
}

func newConn(ws *websocket.Conn, cfg ClientConfig, onFrame FrameFunc, logger *slog.Logger) *conn {
	if logger == nil {
		logger = slog.Default()
	}

	c := &conn{
		cfg:        cfg,
		logger:     logger,
		ws:         ws,
		onFrame:    onFrame,
		errs:       make(chan error, 1),
		done:       make(chan struct{}),
		connected:  true,
		lastPingAt: time.Now(),
		pending:    make(map[string]chan wire.Frame),
	}

	// Server pings are answered with pongs; both directions refresh the
	// staleness clock.
	ws.SetPingHandler(func(data string) error {
		c.touchPing()
		return ws.WriteControl(
			websocket.PongMessage,
			[]byte(data),
			time.Now().Add(time.Second),
		)
	})
	ws.SetPongHandler(func(string) error {
		c.touchPing()
		return nil
	})

	go c.readLoop()
	go c.heartbeatLoop()

	return c
}

func (c *conn) touchPing() {
	c.mu.Lock()
	c.lastPingAt = time.Now()
	c.mu.Unlock()
}

// Join subscribes to a group and waits for the ack.
func (c *conn) Join(ctx context.Context, group string) error {
	_, err := c.roundTrip(ctx, wire.Frame{Type: wire.FrameJoin, Group: group})
	if err != nil {
		return fmt.Errorf("join %s: %w", group, err)
	}
	return nil
}

// Leave unsubscribes from a group and waits for the ack.
func (c *conn) Leave(ctx context.Context, group string) error {
	_, err := c.roundTrip(ctx, wire.Frame{Type: wire.FrameLeave, Group: group})
	if err != nil {
		return fmt.Errorf("leave %s: %w", group, err)
	}
	return nil
}

// SendToGroup broadcasts a payload to a group. The payload is stringified
// before send per the wire protocol.
func (c *conn) SendToGroup(group string, payload any) error {
	inner, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	quoted, err := json.Marshal(string(inner))
	if err != nil {
		return fmt.Errorf("stringify payload: %w", err)
	}

	return c.send(wire.Frame{
		Type:    wire.FrameSend,
		Group:   group,
		Payload: quoted,
	})
}

// Close gracefully closes the connection.
func (c *conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.mu.Unlock()

	close(c.done)

	c.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second),
	)
	return c.ws.Close()
}

// IsConnected returns the current connection state.
func (c *conn) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// Errors returns the error channel.
func (c *conn) Errors() <-chan error {
	return c.errs
}

// roundTrip sends a correlated frame and waits for the matching ack or
// error reply.
func (c *conn) roundTrip(ctx context.Context, f wire.Frame) (wire.Frame, error) {
	f.ID = uuid.NewString()
	replyCh := make(chan wire.Frame, 1)

	c.pendingMu.Lock()
	c.pending[f.ID] = replyCh
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, f.ID)
		c.pendingMu.Unlock()
	}()

	if err := c.send(f); err != nil {
		return wire.Frame{}, err
	}

	select {
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	case <-c.done:
		return wire.Frame{}, ErrNotConnected
	case <-time.After(c.cfg.RequestTimeout):
		return wire.Frame{}, ErrTimeout
	case reply := <-replyCh:
		if reply.Type == wire.FrameError {
			var ep wire.ErrorPayload
			json.Unmarshal(reply.Payload, &ep)
			return wire.Frame{}, &wire.ServerError{Code: ep.Code, Message: ep.Message}
		}
		return reply, nil
	}
}

// send marshals and writes one frame.
func (c *conn) send(f wire.Frame) error {
	c.mu.RLock()
	if !c.connected {
		c.mu.RUnlock()
		return ErrNotConnected
	}
	c.mu.RUnlock()

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// readLoop reads inbound frames, routes correlated replies to their waiters
// and hands everything else to the frame callback.
func (c *conn) readLoop() {
	defer func() {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()
	}()

	for {
		select {
		case <-c.done:
			return
		default:
		}

		_, data, err := c.ws.ReadMessage()
		receivedAt := time.Now()

		if err != nil {
			// Errors after Close() are expected noise.
			select {
			case <-c.done:
				return
			default:
				select {
				case c.errs <- err:
				default:
				}
				return
			}
		}

		if c.routeReply(data) {
			continue
		}

		if c.onFrame != nil {
			c.onFrame(data, receivedAt)
		}
	}
}

// routeReply delivers ack/error frames to the pending waiter, if any.
// Returns true when the frame was a correlated reply.
func (c *conn) routeReply(data []byte) bool {
	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return false
	}
	if f.ID == "" || (f.Type != wire.FrameAck && f.Type != wire.FrameError) {
		return false
	}

	c.pendingMu.Lock()
	ch, ok := c.pending[f.ID]
	if ok {
		delete(c.pending, f.ID)
	}
	c.pendingMu.Unlock()

	if ok {
		select {
		case ch <- f:
		default:
		}
	}
	return true
}

// heartbeatLoop sends keepalive pings and flags stale connections.
func (c *conn) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
				c.logger.Debug("failed to send ping", "error", err)
			}

			c.mu.RLock()
			lastPing := c.lastPingAt
			c.mu.RUnlock()

			if time.Since(lastPing) > c.cfg.PingTimeout {
				c.logger.Warn("no ping received, connection stale",
					"last_ping", lastPing,
					"timeout", c.cfg.PingTimeout,
				)
				select {
				case c.errs <- ErrStaleConnection:
				default:
				}
				return
			}
		}
	}
}
