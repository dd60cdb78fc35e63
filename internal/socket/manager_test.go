package socket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/codefionn/collabchat/internal/config"
	"github.com/codefionn/collabchat/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errConnLost = errors.New("connection reset by peer")

// fakeConn is an in-memory Conn scripted by the test.
type fakeConn struct {
	mu      sync.Mutex
	writes  [][]byte
	inbound chan []byte
	readErr chan error
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []byte, 16),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, data)
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var types []string
	for _, data := range c.writes {
		var f protocol.Frame
		if err := json.Unmarshal(data, &f); err == nil {
			types = append(types, f.Type)
		}
	}
	return types
}

// fakeDialer pops one scripted result per attempt. With no results left it
// blocks until the dial context expires.
type fakeDialer struct {
	mu      sync.Mutex
	results []dialResult
	calls   int
}

type dialResult struct {
	conn Conn
	err  error
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	if len(d.results) == 0 {
		d.mu.Unlock()
		<-ctx.Done()
		return nil, ctx.Err()
	}
	res := d.results[0]
	d.results = d.results[1:]
	d.mu.Unlock()
	return res.conn, res.err
}

func (d *fakeDialer) queue(conn Conn, err error) {
	d.mu.Lock()
	d.results = append(d.results, dialResult{conn: conn, err: err})
	d.mu.Unlock()
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// fakeClock records scheduled timers so tests fire them explicitly.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.stopped = true
	return true
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1712000000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	timer := &fakeTimer{delay: d, fn: f}
	c.timers = append(c.timers, timer)
	return timer
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	return &fakeTicker{ch: make(chan time.Time)}
}

// pendingDelays returns the delays of timers that are still armed.
func (c *fakeClock) pendingDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var delays []time.Duration
	for _, timer := range c.timers {
		if !timer.stopped {
			delays = append(delays, timer.delay)
		}
	}
	return delays
}

// fireLast runs the most recently armed timer matching the delay filter.
func (c *fakeClock) fire(delay time.Duration) bool {
	c.mu.Lock()
	var target *fakeTimer
	for _, timer := range c.timers {
		if !timer.stopped && timer.delay == delay {
			target = timer
		}
	}
	if target != nil {
		target.stopped = true
	}
	c.mu.Unlock()

	if target == nil {
		return false
	}
	target.fn()
	return true
}

// fireStale runs the most recently armed timer with the given delay even if
// it was stopped, emulating a callback goroutine that Stop could no longer
// cancel.
func (c *fakeClock) fireStale(delay time.Duration) bool {
	c.mu.Lock()
	var target *fakeTimer
	for _, timer := range c.timers {
		if timer.delay == delay {
			target = timer
		}
	}
	c.mu.Unlock()

	if target == nil {
		return false
	}
	target.fn()
	return true
}

type fakeTicker struct {
	ch chan time.Time
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }
func (t *fakeTicker) Stop()               {}

func (t *fakeTicker) tick() {
	t.ch <- time.Time{}
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServerURL = "ws://test.invalid/ws"
	cfg.ConnectTimeoutMS = 40
	cfg.PingIntervalMS = 25000
	cfg.ReconnectBaseDelayMS = 5000
	cfg.MaxReconnectAttempts = 5
	cfg.LogLevel = "none"
	return cfg
}

type harness struct {
	manager *Manager
	dialer  *fakeDialer
	clock   *fakeClock
	states  chan State
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		dialer: &fakeDialer{},
		clock:  newFakeClock(),
		states: make(chan State, 32),
	}
	h.manager = NewManagerWithTransport(testConfig(), h.dialer, h.clock)
	h.manager.SetStateChangedCallback(func(s State, err error) {
		h.states <- s
	})
	t.Cleanup(h.manager.Disconnect)
	return h
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case got := <-h.states:
			if got == want {
				return
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for state %s (currently %s)", want, h.manager.State())
		}
	}
}

func TestConnectSuccess(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	h.manager.Connect()
	h.waitState(t, StateConnecting)
	h.waitState(t, StateConnected)

	if !h.manager.ServerAvailable() {
		t.Error("Expected server available after connect")
	}
	if h.manager.RetryCount() != 0 {
		t.Errorf("Expected retry count 0, got %d", h.manager.RetryCount())
	}
}

func TestConnectIsNoopWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.dialer.queue(newFakeConn(), nil)

	h.manager.Connect()
	h.waitState(t, StateConnected)

	h.manager.Connect()
	if n := h.dialer.dialCount(); n != 1 {
		t.Errorf("Expected a single dial, got %d", n)
	}
}

func TestAuthFrameSentOnOpen(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	h.manager.SetIdentity("u1", "Ada Lovelace")
	h.manager.Connect()
	h.waitState(t, StateConnected)

	types := conn.sentTypes()
	if len(types) != 1 || types[0] != protocol.TypeAuth {
		t.Errorf("Expected auth frame after open, got %v", types)
	}
}

func TestSendWhileDisconnectedIsDropped(t *testing.T) {
	h := newHarness(t)

	err := h.manager.Send(protocol.NewFrame(protocol.TypeChat))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("Expected ErrNotConnected, got %v", err)
	}
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t)
	// No dial result queued: the dial blocks until its context expires.

	h.manager.Connect()
	h.waitState(t, StateConnecting)

	// Fire the connect-timeout timer
	if !h.clock.fire(40 * time.Millisecond) {
		t.Fatal("Connect-timeout timer was not armed")
	}
	h.waitState(t, StateDisconnected)

	if h.manager.ServerAvailable() {
		t.Error("Expected server unavailable after connect timeout")
	}
	if !errors.Is(h.manager.LastError(), ErrConnectTimeout) {
		t.Errorf("Expected ErrConnectTimeout, got %v", h.manager.LastError())
	}
	if delays := h.clock.pendingDelays(); len(delays) != 0 {
		t.Errorf("Expected no armed timers after timeout, got %v", delays)
	}
}

func TestLateConnectTimeoutIgnoredAfterOpen(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	h.manager.Connect()
	h.waitState(t, StateConnected)

	// The timeout callback was already in flight when the open stopped the
	// timer; it must not tear down the live connection.
	if !h.clock.fireStale(40 * time.Millisecond) {
		t.Fatal("Connect-timeout timer was never armed")
	}

	if got := h.manager.State(); got != StateConnected {
		t.Errorf("Expected state connected, got %s", got)
	}
	if !h.manager.ServerAvailable() {
		t.Error("Expected server still available")
	}
	if err := h.manager.LastError(); err != nil {
		t.Errorf("Expected no error recorded, got %v", err)
	}

	// The connection is still usable
	if err := h.manager.Send(protocol.NewFrame(protocol.TypePong)); err != nil {
		t.Errorf("Send on live connection failed: %v", err)
	}
}

func TestInboundFramesDispatchedToSubscribers(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	received := make(chan *protocol.Frame, 1)
	h.manager.Subscribe(protocol.TypeServerChat, func(f *protocol.Frame) {
		received <- f
	})

	h.manager.Connect()
	h.waitState(t, StateConnected)

	conn.inbound <- []byte(`{"type":"server_chat","createdAt":1,"sessionId":"s1"}`)
	select {
	case f := <-received:
		if f.SessionID != "s1" {
			t.Errorf("Unexpected frame: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Frame never dispatched")
	}
}

func TestInvalidInboundFrameIsDropped(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	received := make(chan *protocol.Frame, 4)
	h.manager.Subscribe(protocol.TypeServerChat, func(f *protocol.Frame) {
		received <- f
	})

	h.manager.Connect()
	h.waitState(t, StateConnected)

	conn.inbound <- []byte(`{"type":"server_chat"}`)          // no timestamp
	conn.inbound <- []byte(`{"createdAt":5}`)                 // no type
	conn.inbound <- []byte(`garbage`)                         // not JSON
	conn.inbound <- []byte(`{"type":"server_chat","createdAt":7}`) // valid

	select {
	case f := <-received:
		if f.When() != 7 {
			t.Errorf("Invalid frame leaked through: %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Valid frame never dispatched")
	}
	if len(received) != 0 {
		t.Errorf("Expected exactly one dispatched frame, %d more pending", len(received))
	}
}

func TestBackoffSchedule(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	h.manager.Connect()
	h.waitState(t, StateConnected)

	// Abnormal connection loss: retryCount 0 maps to the base delay
	conn.readErr <- errConnLost
	h.waitState(t, StateReconnecting)
	if delays := h.clock.pendingDelays(); len(delays) != 1 || delays[0] != 5*time.Second {
		t.Fatalf("Expected a 5s backoff timer, got %v", delays)
	}

	// Attempt 1 fails: retryCount 1 maps to 10s
	h.dialer.queue(nil, errors.New("connection refused"))
	if !h.clock.fire(5 * time.Second) {
		t.Fatal("5s backoff timer was not armed")
	}
	if h.manager.RetryCount() != 1 {
		t.Errorf("Expected retry count 1, got %d", h.manager.RetryCount())
	}
	if delays := h.clock.pendingDelays(); len(delays) != 1 || delays[0] != 10*time.Second {
		t.Fatalf("Expected a 10s backoff timer, got %v", delays)
	}

	// Attempt 2 fails: retryCount 2 maps to 20s
	h.dialer.queue(nil, errors.New("connection refused"))
	if !h.clock.fire(10 * time.Second) {
		t.Fatal("10s backoff timer was not armed")
	}
	if delays := h.clock.pendingDelays(); len(delays) != 1 || delays[0] != 20*time.Second {
		t.Fatalf("Expected a 20s backoff timer, got %v", delays)
	}
}

func TestBackoffDelayCaps(t *testing.T) {
	base := 5 * time.Second
	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{5, 160 * time.Second},
		{9, 160 * time.Second}, // capped at maxAttempts exponent
	}

	for _, tt := range tests {
		if got := BackoffDelay(base, tt.retry, 5); got != tt.want {
			t.Errorf("BackoffDelay(retry=%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestReconnectSucceeds(t *testing.T) {
	h := newHarness(t)
	first := newFakeConn()
	h.dialer.queue(first, nil)

	h.manager.Connect()
	h.waitState(t, StateConnected)

	first.readErr <- errConnLost
	h.waitState(t, StateReconnecting)

	second := newFakeConn()
	h.dialer.queue(second, nil)
	if !h.clock.fire(5 * time.Second) {
		t.Fatal("Backoff timer was not armed")
	}
	h.waitState(t, StateConnected)

	if h.manager.RetryCount() != 0 {
		t.Errorf("Expected retry count reset after successful reconnect, got %d", h.manager.RetryCount())
	}
	if !h.manager.ServerAvailable() {
		t.Error("Expected server available after reconnect")
	}
}

func TestDisconnectCancelsReconnect(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	h.manager.Connect()
	h.waitState(t, StateConnected)

	conn.readErr <- errConnLost
	h.waitState(t, StateReconnecting)

	h.manager.Disconnect()
	h.waitState(t, StateDisconnected)

	if delays := h.clock.pendingDelays(); len(delays) != 0 {
		t.Errorf("Expected all timers cancelled on disconnect, got %v", delays)
	}
	if h.manager.RetryCount() != 0 {
		t.Errorf("Expected retry counter reset on disconnect, got %d", h.manager.RetryCount())
	}
	if n := h.dialer.dialCount(); n != 1 {
		t.Errorf("Expected no further dials after disconnect, got %d", n)
	}
}

func TestHeartbeatSendsPing(t *testing.T) {
	h := newHarness(t)
	conn := newFakeConn()
	h.dialer.queue(conn, nil)

	h.manager.Connect()
	h.waitState(t, StateConnected)

	h.manager.mu.Lock()
	ticker := h.manager.heartbeat.(*fakeTicker)
	h.manager.mu.Unlock()

	ticker.tick()

	deadline := time.After(2 * time.Second)
	for {
		for _, typ := range conn.sentTypes() {
			if typ == protocol.TypePing {
				return
			}
		}
		select {
		case <-deadline:
			t.Fatal("Ping never sent after heartbeat tick")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
