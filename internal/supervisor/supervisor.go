// Package supervisor owns the single logical realtime connection: its state
// machine, reconnect scheduling, group membership restoration and the
// connected/disconnected subscriber lists.
package supervisor

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/mkarlsson/agentlink/internal/backoff"
	"github.com/mkarlsson/agentlink/internal/groups"
	"github.com/mkarlsson/agentlink/internal/retry"
	"github.com/mkarlsson/agentlink/internal/socket"
)

// State is the connection lifecycle state.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// ErrNoIdentity is returned by Connect when the identity is empty.
var ErrNoIdentity = errors.New("identity is required")

// Dialer produces authenticated, message-ready connections.
type Dialer interface {
	Dial(ctx context.Context, identity string) (socket.Conn, error)
}

// Config holds the supervisor's retry and backoff policies.
type Config struct {
	Handshake      retry.Policy   // bounded retry for connection attempts
	Rejoin         retry.Policy   // bounded retry per group join
	Reconnect      backoff.Policy // scheduled-reconnect backoff
	CriticalGroups []string       // name fragments marking critical groups
}

// DefaultConfig returns the standard policies.
func DefaultConfig() Config {
	return Config{
		Handshake:      retry.DefaultPolicy(),
		Rejoin:         retry.DefaultPolicy(),
		Reconnect:      backoff.DefaultPolicy(),
		CriticalGroups: groups.DefaultCriticalFragments,
	}
}

// Supervisor keeps exactly one logical connection alive. Construct one at
// the composition root and inject it; the single-connection invariant is
// enforced by composition, not by singleton machinery.
type Supervisor struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	sched     *backoff.Scheduler
	tracker   *groups.Tracker
	rejoiner  *groups.Rejoiner
	handshake *retry.Coordinator

	// Coalesces concurrent Connect calls for the same identity onto one
	// in-flight attempt.
	sf singleflight.Group

	mu            sync.Mutex
	state         State
	identity      string
	conn          socket.Conn
	watchDone     chan struct{}
	autoReconnect bool

	cbMu           sync.Mutex
	nextCB         int
	onConnected    map[int]func()
	onDisconnected map[int]func()

	fatal     func(error)
	fatalOnce sync.Once
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithUnrecoverableHook installs the last-resort recovery hook. It fires at
// most once, when retries are exhausted in a state where in-memory protocol
// state can no longer be trusted; the only safe recovery is a process
// restart.
func WithUnrecoverableHook(fn func(error)) Option {
	return func(s *Supervisor) { s.fatal = fn }
}

// New creates a Supervisor.
func New(cfg Config, dialer Dialer, logger *slog.Logger, opts ...Option) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Supervisor{
		cfg:            cfg,
		dialer:         dialer,
		logger:         logger,
		sched:          backoff.NewScheduler(cfg.Reconnect, logger),
		tracker:        groups.NewTracker(),
		handshake:      retry.NewCoordinator(cfg.Handshake, logger),
		onConnected:    make(map[int]func()),
		onDisconnected: make(map[int]func()),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.rejoiner = groups.NewRejoiner(cfg.Rejoin, cfg.CriticalGroups, s.unrecoverable, logger)

	return s
}

// Connect establishes the connection for identity, blocking until connected
// or until retries are exhausted. Concurrent calls for the same identity
// share one in-flight attempt. A different identity while connected tears
// down the prior connection, leaving every group, before dialing anew.
func (s *Supervisor) Connect(ctx context.Context, identity string) error {
	identity = normalizeIdentity(identity)
	if identity == "" {
		return ErrNoIdentity
	}

	s.mu.Lock()
	prior := s.identity
	alreadyConnected := s.state == Connected
	s.autoReconnect = true
	s.mu.Unlock()

	if alreadyConnected && prior == identity {
		return nil
	}

	if prior != "" && prior != identity {
		s.teardown(ctx)
	}

	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()

	_, err, _ := s.sf.Do(identity, func() (any, error) {
		return nil, s.establish(ctx, identity)
	})
	return err
}

// Disconnect halts auto-reconnect and releases the socket. Handler
// registrations and the desired group set are preserved, so a later Connect
// resumes full state.
func (s *Supervisor) Disconnect() {
	s.mu.Lock()
	s.autoReconnect = false
	conn := s.conn
	s.conn = nil
	if s.watchDone != nil {
		close(s.watchDone)
		s.watchDone = nil
	}
	s.state = Disconnected
	s.mu.Unlock()

	s.sched.Cancel()

	if conn != nil {
		conn.Close()
		s.logger.Info("disconnected")
	}
}

// IsConnected is a pure observation of the connection state.
func (s *Supervisor) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == Connected
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Conn returns the current socket handle, or nil when disconnected. The
// handle is replaced wholesale on every reconnect; callers must fetch it
// per use and never cache it.
func (s *Supervisor) Conn() socket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// JoinGroup adds the group to the desired set and, when connected, joins it
// on the live connection under the bounded retry window.
func (s *Supervisor) JoinGroup(ctx context.Context, name string) error {
	s.tracker.Remember(name)

	conn := s.Conn()
	if conn == nil {
		return nil // joined on next connect
	}
	return s.rejoiner.Join(ctx, conn, name)
}

// LeaveGroup removes the group from the desired set and, when connected,
// leaves it on the live connection.
func (s *Supervisor) LeaveGroup(ctx context.Context, name string) error {
	s.tracker.Forget(name)

	conn := s.Conn()
	if conn == nil {
		return nil
	}
	return conn.Leave(ctx, name)
}

// Groups returns the desired group set.
func (s *Supervisor) Groups() []string {
	return s.tracker.All()
}

// OnConnected registers a callback fired after every successful (re)connect.
// The returned func unregisters it.
func (s *Supervisor) OnConnected(fn func()) func() {
	return s.subscribe(s.onConnected, fn)
}

// OnDisconnected registers a callback fired when the connection drops
// unexpectedly. The returned func unregisters it.
func (s *Supervisor) OnDisconnected(fn func()) func() {
	return s.subscribe(s.onDisconnected, fn)
}

// NetworkRestored triggers an immediate reconnect attempt if currently
// disconnected and auto-reconnect is enabled.
func (s *Supervisor) NetworkRestored() {
	s.mu.Lock()
	eligible := s.autoReconnect && s.state == Disconnected && s.identity != ""
	s.mu.Unlock()

	if eligible {
		s.sched.Schedule("network restored", true, s.reconnect)
	}
}

// establish runs one connect episode: dial under the handshake retry window,
// then install the new connection.
func (s *Supervisor) establish(ctx context.Context, identity string) error {
	s.setState(Connecting)

	var conn socket.Conn
	err := s.handshake.Do(ctx, "connect "+identity,
		func(ctx context.Context) error {
			c, err := s.dialer.Dial(ctx, identity)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.WithAbortCheck(s.IsConnected),
		retry.WithClassifier(socket.Transient),
	)

	switch {
	case err == nil:
		s.install(ctx, conn, identity)
		return nil

	case errors.Is(err, retry.ErrAborted):
		// A concurrent path connected while we waited.
		return nil

	case errors.Is(err, retry.ErrExhausted):
		s.setState(Disconnected)
		s.unrecoverable(err)
		return err

	default:
		// Fatal connect error: surfaced immediately, never retried.
		s.setState(Disconnected)
		return err
	}
}

// install makes conn the live connection, restores group membership and
// fires the connected callbacks.
func (s *Supervisor) install(ctx context.Context, conn socket.Conn, identity string) {
	s.mu.Lock()
	old := s.conn
	oldDone := s.watchDone
	s.conn = conn
	s.watchDone = make(chan struct{})
	done := s.watchDone
	s.state = Connected
	s.mu.Unlock()

	if oldDone != nil {
		close(oldDone)
	}
	if old != nil {
		old.Close()
	}

	s.sched.OnSuccess()

	go s.watch(conn, done)

	s.logger.Info("connected", "identity", identity)

	if names := s.tracker.All(); len(names) > 0 {
		s.rejoiner.RejoinAll(ctx, conn, names)
	}

	s.fire(s.onConnected)
}

// watch waits for the connection to fail and hands the drop to the
// reconnect path. One watcher exists per installed connection.
func (s *Supervisor) watch(conn socket.Conn, done chan struct{}) {
	select {
	case <-done:
		return
	case err, ok := <-conn.Errors():
		if !ok {
			return
		}
		s.handleDrop(conn, err)
	}
}

// handleDrop reacts to a socket-level failure: non-fatal, recovered via a
// scheduled reconnect.
func (s *Supervisor) handleDrop(conn socket.Conn, err error) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return // already replaced; stale watcher
	}
	s.conn = nil
	s.watchDone = nil
	s.state = Disconnected
	auto := s.autoReconnect
	s.mu.Unlock()

	conn.Close()
	s.logger.Warn("connection lost", "error", err)

	s.fire(s.onDisconnected)

	if auto {
		s.sched.Schedule("connection lost", false, s.reconnect)
	}
}

// reconnect is the scheduled-timer action. A timer that fires after
// Disconnect is a no-op via the state check.
func (s *Supervisor) reconnect() {
	s.mu.Lock()
	auto := s.autoReconnect
	identity := s.identity
	connected := s.state == Connected
	s.mu.Unlock()

	if !auto || connected || identity == "" {
		return
	}

	_, err, _ := s.sf.Do(identity, func() (any, error) {
		return nil, s.establish(context.Background(), identity)
	})
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, retry.ErrExhausted):
		// Unrecoverable hook already fired.
	case !socket.Transient(err):
		s.logger.Error("reconnect failed with fatal error", "error", err)
	default:
		s.sched.OnFailure()
		s.sched.Schedule("reconnect failed", false, s.reconnect)
	}
}

// teardown closes the current connection for an identity switch, leaving
// every group on the wire first.
func (s *Supervisor) teardown(ctx context.Context) {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.watchDone != nil {
		close(s.watchDone)
		s.watchDone = nil
	}
	s.state = Disconnected
	s.mu.Unlock()

	s.sched.Cancel()

	if conn == nil {
		return
	}

	for _, name := range s.tracker.All() {
		if err := conn.Leave(ctx, name); err != nil {
			s.logger.Debug("leave during teardown failed", "group", name, "error", err)
		}
	}
	conn.Close()
	s.logger.Info("tore down connection for identity switch")
}

func (s *Supervisor) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Supervisor) subscribe(m map[int]func(), fn func()) func() {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()

	id := s.nextCB
	s.nextCB++
	m[id] = fn

	return func() {
		s.cbMu.Lock()
		defer s.cbMu.Unlock()
		delete(m, id)
	}
}

func (s *Supervisor) fire(m map[int]func()) {
	s.cbMu.Lock()
	fns := make([]func(), 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	s.cbMu.Unlock()

	for _, fn := range fns {
		s.invoke(fn)
	}
}

func (s *Supervisor) invoke(fn func()) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("lifecycle callback panicked", "panic", p)
		}
	}()
	fn()
}

// unrecoverable fires the last-resort hook at most once.
func (s *Supervisor) unrecoverable(err error) {
	s.fatalOnce.Do(func() {
		s.logger.Error("unrecoverable connection failure", "error", err)
		if s.fatal != nil {
			s.fatal(err)
		}
	})
}

func normalizeIdentity(identity string) string {
	return strings.ToLower(strings.TrimSpace(identity))
}
