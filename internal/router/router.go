// Package router dispatches parsed inbound frames to registered typed
// handlers. A frame goes to the first handler whose CanHandle matches;
// frames no handler claims are broadcast to every legacy subscriber.
package router

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mkarlsson/agentlink/internal/wire"
)

// Message is a parsed inbound frame plus the local receive timestamp.
type Message struct {
	Type       string
	ID         string
	Group      string
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// Handler processes one category of inbound message.
//
// CanHandle is a cheap structural match. Validate is a structural check run
// before Process; a validation failure skips processing. Process performs
// the side effects; its errors and panics are logged by the router and never
// propagate to the connection.
type Handler interface {
	CanHandle(msg Message) bool
	Validate(msg Message) error
	Process(msg Message) error
}

// Stats contains routing counters.
type Stats struct {
	Received    int64
	Handled     int64
	Broadcast   int64
	ParseErrors int64
}

type registration struct {
	id int
	h  Handler
}

// Router routes inbound frames. The zero value is not usable; use New.
type Router struct {
	logger *slog.Logger

	mu          sync.RWMutex
	handlers    []registration
	subscribers map[int]func(Message)
	nextID      int

	statsMu     sync.Mutex
	received    int64
	handled     int64
	broadcast   int64
	parseErrors int64
}

// New creates a Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		logger:      logger,
		subscribers: make(map[int]func(Message)),
	}
}

// Register appends a handler. Handlers are tried in registration order and
// the first match wins. The returned func removes the registration.
func (r *Router) Register(h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.handlers = append(r.handlers, registration{id: id, h: h})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		for i, reg := range r.handlers {
			if reg.id == id {
				r.handlers = append(r.handlers[:i], r.handlers[i+1:]...)
				return
			}
		}
	}
}

// Subscribe adds a legacy broadcast subscriber. Subscribers only see
// messages no registered handler claimed. The returned func unsubscribes.
func (r *Router) Subscribe(fn func(Message)) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++
	r.subscribers[id] = fn

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.subscribers, id)
	}
}

// Dispatch parses a raw frame and routes it. A parse failure is logged and
// the frame dropped; dispatch must never take down the connection.
func (r *Router) Dispatch(data []byte, receivedAt time.Time) {
	r.statsMu.Lock()
	r.received++
	r.statsMu.Unlock()

	var f wire.Frame
	if err := json.Unmarshal(data, &f); err != nil {
		r.logger.Warn("dropping unparseable frame", "error", err)
		r.statsMu.Lock()
		r.parseErrors++
		r.statsMu.Unlock()
		return
	}

	msg := Message{
		Type:       f.Type,
		ID:         f.ID,
		Group:      f.Group,
		Payload:    f.Payload,
		ReceivedAt: receivedAt,
	}

	r.mu.RLock()
	handlers := make([]registration, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.RUnlock()

	for _, reg := range handlers {
		if reg.h.CanHandle(msg) {
			r.deliver(reg.h, msg)
			r.statsMu.Lock()
			r.handled++
			r.statsMu.Unlock()
			return
		}
	}

	// No typed handler claimed it: best-effort fan-out to every legacy
	// subscriber, each isolated from the others.
	r.mu.RLock()
	subs := make([]func(Message), 0, len(r.subscribers))
	for _, fn := range r.subscribers {
		subs = append(subs, fn)
	}
	r.mu.RUnlock()

	for _, fn := range subs {
		r.notify(fn, msg)
	}

	r.statsMu.Lock()
	r.broadcast++
	r.statsMu.Unlock()
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() Stats {
	r.statsMu.Lock()
	defer r.statsMu.Unlock()
	return Stats{
		Received:    r.received,
		Handled:     r.handled,
		Broadcast:   r.broadcast,
		ParseErrors: r.parseErrors,
	}
}

func (r *Router) deliver(h Handler, msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("handler panicked",
				"type", msg.Type,
				"panic", p,
			)
		}
	}()

	if err := h.Validate(msg); err != nil {
		r.logger.Warn("message failed validation",
			"type", msg.Type,
			"error", err,
		)
		return
	}

	if err := h.Process(msg); err != nil {
		r.logger.Error("handler failed",
			"type", msg.Type,
			"error", err,
		)
	}
}

func (r *Router) notify(fn func(Message), msg Message) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("subscriber panicked",
				"type", msg.Type,
				"panic", p,
			)
		}
	}()
	fn(msg)
}
