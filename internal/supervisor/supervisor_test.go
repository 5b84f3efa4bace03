package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mkarlsson/agentlink/internal/backoff"
	"github.com/mkarlsson/agentlink/internal/retry"
	"github.com/mkarlsson/agentlink/internal/socket"
	"github.com/mkarlsson/agentlink/internal/wire"
)

// fakeConn satisfies socket.Conn and records what happens to it.
type fakeConn struct {
	mu       sync.Mutex
	joined   []string
	left     []string
	closed   bool
	failJoin map[string]bool

	errs chan error
}

func newFakeConn(failJoin map[string]bool) *fakeConn {
	return &fakeConn{
		failJoin: failJoin,
		errs:     make(chan error, 1),
	}
}

func (c *fakeConn) Join(ctx context.Context, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failJoin[group] {
		return errors.New("join refused")
	}
	c.joined = append(c.joined, group)
	return nil
}

func (c *fakeConn) Leave(ctx context.Context, group string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.left = append(c.left, group)
	return nil
}

func (c *fakeConn) SendToGroup(group string, payload any) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Errors() <-chan error { return c.errs }

func (c *fakeConn) joinedGroups() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.joined))
	copy(out, c.joined)
	return out
}

func (c *fakeConn) wasClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out fakeConns, optionally failing the first N dials.
type fakeDialer struct {
	mu         sync.Mutex
	dials      int
	identities []string
	conns      []*fakeConn

	failures int
	failErr  error
	failJoin map[string]bool
	hold     chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, identity string) (socket.Conn, error) {
	if d.hold != nil {
		<-d.hold
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.identities = append(d.identities, identity)

	if d.dials <= d.failures {
		return nil, d.failErr
	}

	conn := newFakeConn(d.failJoin)
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.conns) {
		return nil
	}
	return d.conns[i]
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Handshake = retry.Policy{MaxAttempts: 3, Interval: time.Millisecond, MaxElapsed: time.Second}
	cfg.Rejoin = retry.Policy{MaxAttempts: 2, Interval: time.Millisecond, MaxElapsed: time.Second}
	cfg.Reconnect = backoff.Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, JitterMax: 0}
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestConnect(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	connected := false
	s.OnConnected(func() { connected = true })

	if err := s.Connect(context.Background(), "Agent-7"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if !s.IsConnected() {
		t.Error("expected connected state")
	}
	if s.State() != Connected {
		t.Errorf("State = %v", s.State())
	}
	if s.Conn() == nil {
		t.Error("Conn returned nil while connected")
	}
	if !connected {
		t.Error("connected callback not fired")
	}
	// Identity is normalized before dialing.
	if d.identities[0] != "agent-7" {
		t.Errorf("dialed identity = %q", d.identities[0])
	}
}

func TestConnectEmptyIdentity(t *testing.T) {
	s := New(testConfig(), &fakeDialer{}, nil)

	if err := s.Connect(context.Background(), "  "); !errors.Is(err, ErrNoIdentity) {
		t.Errorf("err = %v, want ErrNoIdentity", err)
	}
}

func TestConnectIdempotentWhenConnected(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	s.Connect(context.Background(), "agent-7")
	s.Connect(context.Background(), "agent-7")

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
}

func TestConcurrentConnectSharesOneAttempt(t *testing.T) {
	d := &fakeDialer{hold: make(chan struct{})}
	s := New(testConfig(), d, nil)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Connect(context.Background(), "agent-7")
		}()
	}

	time.Sleep(20 * time.Millisecond)
	close(d.hold)
	wg.Wait()

	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if !s.IsConnected() {
		t.Error("expected connected state")
	}
}

func TestConnectRetriesTransientFailures(t *testing.T) {
	d := &fakeDialer{
		failures: 2,
		failErr:  &wire.HandshakeError{Message: "hub warming up"},
	}
	s := New(testConfig(), d, nil)

	if err := s.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if got := d.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestConnectExhaustionFiresHook(t *testing.T) {
	d := &fakeDialer{
		failures: 100,
		failErr:  &wire.HandshakeError{Message: "hub down"},
	}

	var hookErr error
	s := New(testConfig(), d, nil, WithUnrecoverableHook(func(err error) { hookErr = err }))

	err := s.Connect(context.Background(), "agent-7")
	if !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("err = %v, want ErrExhausted", err)
	}
	if hookErr == nil {
		t.Error("unrecoverable hook not fired")
	}
	if s.State() != Disconnected {
		t.Errorf("State = %v, want Disconnected", s.State())
	}
	if got := d.dialCount(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}
}

func TestConnectFatalErrorNotRetried(t *testing.T) {
	fatal := errors.New("invalid credentials")
	d := &fakeDialer{failures: 100, failErr: fatal}

	hookFired := false
	s := New(testConfig(), d, nil, WithUnrecoverableHook(func(error) { hookFired = true }))

	err := s.Connect(context.Background(), "agent-7")
	if !errors.Is(err, fatal) {
		t.Fatalf("err = %v, want wrapped fatal error", err)
	}
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if hookFired {
		t.Error("hook fired on a fatal connect error")
	}
}

func TestDropTriggersReconnectAndRejoin(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	var dropped bool
	var mu sync.Mutex
	s.OnDisconnected(func() {
		mu.Lock()
		dropped = true
		mu.Unlock()
	})

	s.JoinGroup(context.Background(), "ops-alerts")
	s.JoinGroup(context.Background(), "commands:agent-7")
	if err := s.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	first := d.conn(0)
	if got := first.joinedGroups(); len(got) != 2 {
		t.Fatalf("groups joined on connect = %v", got)
	}

	first.errs <- socket.ErrStaleConnection

	waitFor(t, "reconnect", func() bool { return d.connCount() == 2 && s.IsConnected() })

	mu.Lock()
	wasDropped := dropped
	mu.Unlock()
	if !wasDropped {
		t.Error("disconnected callback not fired")
	}
	if !first.wasClosed() {
		t.Error("dropped connection not closed")
	}

	second := d.conn(1)
	waitFor(t, "rejoin", func() bool { return len(second.joinedGroups()) == 2 })
}

func TestRejoinFailureDoesNotBlockOthers(t *testing.T) {
	d := &fakeDialer{failJoin: map[string]bool{"broken": true}}
	s := New(testConfig(), d, nil)

	s.JoinGroup(context.Background(), "alpha")
	s.JoinGroup(context.Background(), "broken")
	s.JoinGroup(context.Background(), "omega")
	if err := s.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	got := d.conn(0).joinedGroups()
	if len(got) != 2 {
		t.Errorf("joined = %v, want alpha and omega", got)
	}
}

func TestCriticalRejoinExhaustionFiresHook(t *testing.T) {
	d := &fakeDialer{failJoin: map[string]bool{"commands:agent-7": true}}

	var hookErr error
	s := New(testConfig(), d, nil, WithUnrecoverableHook(func(err error) { hookErr = err }))

	if err := s.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	err := s.JoinGroup(context.Background(), "commands:agent-7")
	if err == nil {
		t.Fatal("expected join error")
	}
	if hookErr == nil {
		t.Error("unrecoverable hook not fired for critical group")
	}
}

func TestDisconnectStopsReconnectKeepsGroups(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	s.JoinGroup(context.Background(), "ops-alerts")
	s.Connect(context.Background(), "agent-7")

	s.Disconnect()

	if s.IsConnected() {
		t.Error("still connected after Disconnect")
	}
	if s.Conn() != nil {
		t.Error("Conn not nil after Disconnect")
	}
	if got := s.Groups(); len(got) != 1 || got[0] != "ops-alerts" {
		t.Errorf("Groups = %v, want the desired set preserved", got)
	}

	// No reconnect should fire after an explicit Disconnect.
	time.Sleep(20 * time.Millisecond)
	if got := d.dialCount(); got != 1 {
		t.Errorf("dials after Disconnect = %d, want 1", got)
	}

	// A later Connect resumes full state.
	if err := s.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("reconnect failed: %v", err)
	}
	if got := d.conn(1).joinedGroups(); len(got) != 1 {
		t.Errorf("groups rejoined = %v", got)
	}
}

func TestIdentitySwitchTearsDownPriorConnection(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	s.JoinGroup(context.Background(), "ops-alerts")
	s.Connect(context.Background(), "agent-7")
	first := d.conn(0)

	if err := s.Connect(context.Background(), "agent-8"); err != nil {
		t.Fatalf("identity switch failed: %v", err)
	}

	if !first.wasClosed() {
		t.Error("prior connection not closed")
	}
	first.mu.Lock()
	left := len(first.left)
	first.mu.Unlock()
	if left != 1 {
		t.Errorf("groups left on teardown = %d, want 1", left)
	}
	if d.identities[1] != "agent-8" {
		t.Errorf("second dial identity = %q", d.identities[1])
	}
}

func TestLeaveGroup(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	s.Connect(context.Background(), "agent-7")
	s.JoinGroup(context.Background(), "ops-alerts")
	s.LeaveGroup(context.Background(), "ops-alerts")

	if got := s.Groups(); len(got) != 0 {
		t.Errorf("Groups = %v, want empty", got)
	}
	first := d.conn(0)
	first.mu.Lock()
	left := first.left
	first.mu.Unlock()
	if len(left) != 1 || left[0] != "ops-alerts" {
		t.Errorf("left = %v", left)
	}
}

func TestCallbackUnsubscribe(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	calls := 0
	off := s.OnConnected(func() { calls++ })
	off()

	s.Connect(context.Background(), "agent-7")

	if calls != 0 {
		t.Errorf("unsubscribed callback fired %d times", calls)
	}
}

func TestNetworkRestoredTriggersImmediateReconnect(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	s.Connect(context.Background(), "agent-7")
	d.conn(0).errs <- socket.ErrStaleConnection
	waitFor(t, "drop handled", func() bool { return !s.IsConnected() || d.connCount() == 2 })

	s.NetworkRestored()
	waitFor(t, "reconnect", func() bool { return s.IsConnected() && d.connCount() >= 2 })
}

func TestCallbackPanicIsolated(t *testing.T) {
	d := &fakeDialer{}
	s := New(testConfig(), d, nil)

	second := false
	s.OnConnected(func() { panic("boom") })
	s.OnConnected(func() { second = true })

	if err := s.Connect(context.Background(), "agent-7"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if !second {
		t.Error("panicking callback blocked the next one")
	}
}
