package wire

import (
	"errors"
	"fmt"
	"strings"
)

// ServerError is an error frame received in reply to a correlated request
// (join, leave, handshake).
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}

// HandshakeError is a failure during the protocol handshake. Handshake
// failures are transient by definition: the server was reachable but could
// not complete the upgrade, so a bounded retry is worthwhile.
type HandshakeError struct {
	Code    string
	Message string
}

func (e *HandshakeError) Error() string {
	if e.Code == "" {
		return "handshake failed: " + e.Message
	}
	return fmt.Sprintf("handshake failed (%s): %s", e.Code, e.Message)
}

// handshakeFragments are matched against plain error text when no structured
// type is available. Fragile by nature; errors carrying a structured type
// are classified without ever reaching this list.
var handshakeFragments = []string{
	"handshake",
	"connection refused",
	"connection reset",
	"server error",
	"service unavailable",
	"temporarily unavailable",
}

// IsHandshakeClass reports whether err should be treated as a transient
// handshake-class failure. Structured types win; the text fragments are a
// fallback for errors surfaced by the transport as plain strings.
func IsHandshakeClass(err error) bool {
	if err == nil {
		return false
	}

	var he *HandshakeError
	if errors.As(err, &he) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, frag := range handshakeFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
