// Package wire defines the JSON frame format exchanged over the realtime
// socket, plus the error types used to classify connection failures.
package wire

import "encoding/json"

// Frame types.
const (
	FrameHandshake = "handshake" // client → server, upgrades the socket to message-ready
	FrameAck       = "ack"       // server → client, positive reply to a correlated request
	FrameError     = "error"     // server → client, negative reply to a correlated request
	FrameJoin      = "join"      // client → server, join a broadcast group
	FrameLeave     = "leave"     // client → server, leave a broadcast group
	FrameSend      = "send"      // client → server, broadcast a payload to a group
	FrameCommand   = "command"   // server → client, operator command delivery
)

// Frame is a single message on the wire, inbound or outbound.
// ID correlates requests with ack/error replies; Group names the broadcast
// scope for join/leave/send frames.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Group   string          `json:"group,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// HandshakePayload is the payload of a handshake frame.
type HandshakePayload struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

// ProtocolName and ProtocolVersion identify the frame encoding this client
// speaks.
const (
	ProtocolName    = "json"
	ProtocolVersion = 1
)

// ErrorPayload is the payload of an error frame.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
