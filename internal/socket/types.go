package socket

import (
	"context"
	"errors"
	"time"
)

// Errors
var (
	ErrNotConnected    = errors.New("not connected")
	ErrStaleConnection = errors.New("connection stale (no ping)")
	ErrTimeout         = errors.New("operation timeout")
	ErrAlreadyClosed   = errors.New("already closed")
)

// Conn is the live socket handle. The supervisor owns exactly one at a time
// and replaces it wholesale on every reconnect; consumers receive it per
// call and must never cache it across reconnects.
type Conn interface {
	// Join subscribes this connection to a broadcast group and waits for
	// the server's ack.
	Join(ctx context.Context, group string) error

	// Leave unsubscribes from a broadcast group and waits for the ack.
	Leave(ctx context.Context, group string) error

	// SendToGroup broadcasts a payload to every member of a group.
	// Fire-and-forget: no ack is awaited.
	SendToGroup(group string, payload any) error

	// Close gracefully closes the connection.
	Close() error

	// IsConnected returns current connection state.
	IsConnected() bool

	// Errors returns a channel of connection-level errors. One error at
	// most is delivered; the connection is dead afterwards.
	Errors() <-chan error
}

// FrameFunc receives each inbound non-reply frame with its local receive
// timestamp.
type FrameFunc func(data []byte, receivedAt time.Time)

// ClientConfig configures a single socket connection.
type ClientConfig struct {
	DialTimeout    time.Duration // WebSocket dial + upgrade deadline
	RequestTimeout time.Duration // handshake/join/leave ack deadline
	WriteTimeout   time.Duration // write deadline for sends
	PingInterval   time.Duration // keepalive ping cadence
	PingTimeout    time.Duration // max silence before the connection is stale
	BufferSize     int           // reserved capacity hints for pending replies
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		DialTimeout:    10 * time.Second,
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		PingInterval:   15 * time.Second,
		PingTimeout:    60 * time.Second,
		BufferSize:     16,
	}
}
