// Package dispatch delivers operator commands over two channels with
// differentiated guarantees: the low-latency live socket first, and a
// durable queue for asynchronous at-least-once delivery when the live path
// fails.
package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mkarlsson/agentlink/internal/groups"
	"github.com/mkarlsson/agentlink/internal/socket"
)

// Channel identifies which delivery channel decided a command's outcome.
type Channel string

const (
	ChannelPrimary  Channel = "primary"
	ChannelFallback Channel = "fallback"
)

// Result is the immutable outcome of one Send. When both channels fail, Err
// carries the fallback channel's error; the primary error is superseded once
// a fallback attempt occurs.
type Result struct {
	Channel Channel
	Success bool
	Err     string
}

// Command is an operator-issued command envelope.
type Command struct {
	ID        string          `json:"id"`
	Recipient string          `json:"recipient"`
	Name      string          `json:"name"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IssuedAt  time.Time       `json:"issued_at"`
}

// NewCommand builds a command envelope addressed to recipient.
func NewCommand(recipient, name string, payload any) (Command, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Command{}, err
		}
		raw = data
	}

	return Command{
		ID:        uuid.NewString(),
		Recipient: recipient,
		Name:      name,
		Payload:   raw,
		IssuedAt:  time.Now().UTC(),
	}, nil
}

// RecipientGroup names the dedicated command-distribution group a recipient
// listens on.
func RecipientGroup(recipient string) string {
	return groups.Normalize("commands:" + recipient)
}

// ConnSource exposes the current live socket handle. The handle is fetched
// per send and never cached.
type ConnSource interface {
	Conn() socket.Conn
}

// Publisher is the durable fallback channel: an opaque publish API whose
// envelopes a separate notification path consumes asynchronously with
// at-least-once delivery.
type Publisher interface {
	Publish(ctx context.Context, cmd Command) error
}

// Dispatcher performs dual-channel command delivery.
type Dispatcher struct {
	source   ConnSource
	fallback Publisher
	logger   *slog.Logger
}

// New creates a Dispatcher.
func New(source ConnSource, fallback Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		source:   source,
		fallback: fallback,
		logger:   logger,
	}
}

// Send attempts the primary channel, then the durable fallback. Neither
// channel is retried internally beyond this single fallback hop; retry and
// backoff belong to the connection layer, not the per-command path.
func (d *Dispatcher) Send(ctx context.Context, cmd Command) Result {
	primaryErr := d.sendPrimary(cmd)
	if primaryErr == nil {
		d.logger.Debug("command sent on primary channel",
			"id", cmd.ID,
			"recipient", cmd.Recipient,
		)
		return Result{Channel: ChannelPrimary, Success: true}
	}

	d.logger.Warn("primary channel failed, using durable fallback",
		"id", cmd.ID,
		"recipient", cmd.Recipient,
		"error", primaryErr,
	)

	if err := d.fallback.Publish(ctx, cmd); err != nil {
		d.logger.Error("fallback publish failed",
			"id", cmd.ID,
			"recipient", cmd.Recipient,
			"error", err,
		)
		return Result{Channel: ChannelFallback, Success: false, Err: err.Error()}
	}

	return Result{Channel: ChannelFallback, Success: true}
}

// sendPrimary broadcasts the command to the recipient's dedicated group over
// the live socket. At-most-once: success means handed to the transport.
func (d *Dispatcher) sendPrimary(cmd Command) error {
	conn := d.source.Conn()
	if conn == nil {
		return socket.ErrNotConnected
	}
	return conn.SendToGroup(RecipientGroup(cmd.Recipient), cmd)
}
