// Package socket owns the single websocket connection shared by the whole
// client: connection lifecycle, heartbeat, reconnection backoff, the auth
// handshake, and dispatch of inbound frames to subscribers.
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/codefionn/collabchat/internal/config"
	"github.com/codefionn/collabchat/internal/logger"
	"github.com/codefionn/collabchat/internal/protocol"
	"github.com/codefionn/collabchat/internal/router"
)

// State represents the current state of the connection
type State int32

const (
	// StateDisconnected indicates there is no live connection
	StateDisconnected State = iota
	// StateConnecting indicates a connection attempt is in flight
	StateConnecting
	// StateConnected indicates the connection is established
	StateConnected
	// StateReconnecting indicates a reconnect is scheduled after backoff
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

var (
	// ErrNotConnected is returned by Send when there is no live connection.
	// The frame is dropped, not queued.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectTimeout indicates no open handshake arrived within the
	// configured connection timeout.
	ErrConnectTimeout = errors.New("connection attempt timed out")
)

// Manager owns the websocket connection. Consumers interact with it only
// through Send and Subscribe; the socket itself is never handed out.
type Manager struct {
	cfg    *config.Config
	dialer Dialer
	clock  Clock
	router *router.Router

	mu              sync.Mutex
	state           State
	conn            Conn
	gen             int
	retryCount      int
	serverAvailable bool
	lastErr         error
	dialing         bool
	reconnecting    bool

	connectTimer   Timer
	reconnectTimer Timer
	heartbeat      Ticker
	heartbeatDone  chan struct{}

	userID   string
	fullName string

	stateChanged func(State, error)
}

// NewManager creates a connection manager using the real websocket transport
// and system clock.
func NewManager(cfg *config.Config) *Manager {
	return NewManagerWithTransport(cfg, WebsocketDialer{}, SystemClock{})
}

// NewManagerWithTransport creates a connection manager with an injected
// dialer and clock. Tests use this to drive the state machine without real
// sockets or timers.
func NewManagerWithTransport(cfg *config.Config, dialer Dialer, clock Clock) *Manager {
	return &Manager{
		cfg:             cfg,
		dialer:          dialer,
		clock:           clock,
		router:          router.New(),
		state:           StateDisconnected,
		serverAvailable: true,
	}
}

// SetStateChangedCallback sets the callback invoked on every connection
// state transition. The callback runs outside the manager's lock.
func (m *Manager) SetStateChangedCallback(fn func(State, error)) {
	m.mu.Lock()
	m.stateChanged = fn
	m.mu.Unlock()
}

// SetIdentity records the identity used for the auth handshake. If the
// connection is already up, the auth frame is sent immediately.
func (m *Manager) SetIdentity(userID, fullName string) {
	m.mu.Lock()
	m.userID = userID
	m.fullName = fullName
	connected := m.state == StateConnected
	m.mu.Unlock()

	if connected && userID != "" {
		m.sendAuth()
	}
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ServerAvailable reports whether the server is currently deemed reachable.
func (m *Manager) ServerAvailable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serverAvailable
}

// LastError returns the most recent transport error, if any.
func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// RetryCount returns the current reconnection attempt counter.
func (m *Manager) RetryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryCount
}

// Subscribe registers a handler for inbound frames of the given type and
// returns an unsubscribe function. Registering the same handler twice is
// idempotent.
func (m *Manager) Subscribe(frameType string, handler router.Handler) func() {
	return m.router.Subscribe(frameType, handler)
}

// Connect opens the connection. It is a no-op while a connection attempt is
// already in flight or the connection is up. The attempt is bounded by the
// configured connect timeout.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.dialing || m.state == StateConnecting || m.state == StateConnected {
		m.mu.Unlock()
		logger.Debug("Connect ignored: connection already %s", m.state)
		return
	}

	m.gen++
	gen := m.gen
	m.dialing = true
	m.stopTimersLocked()
	m.state = StateConnecting
	notify := m.notifyLocked(StateConnecting, nil)
	m.connectTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout(), func() {
		m.connectTimedOut(gen)
	})
	m.mu.Unlock()

	notify()
	go m.dial(gen)
}

// Reconnect resets the retry budget and availability flag, then connects.
// It backs the user-facing "reconnect" affordance.
func (m *Manager) Reconnect() {
	m.mu.Lock()
	m.retryCount = 0
	m.reconnecting = false
	m.serverAvailable = true
	m.mu.Unlock()

	m.Connect()
}

// Disconnect closes the connection explicitly. All pending timers are
// cancelled, the retry counter resets, and no automatic reconnect follows.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.gen++
	m.stopTimersLocked()
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.dialing = false
	m.reconnecting = false
	m.retryCount = 0
	m.state = StateDisconnected
	notify := m.notifyLocked(StateDisconnected, nil)
	m.mu.Unlock()

	notify()
	logger.Info("Disconnected")
}

// Send serializes and transmits a frame. While not connected the frame is
// dropped with a warning; it is never queued.
func (m *Manager) Send(frame protocol.Frame) error {
	m.mu.Lock()
	conn := m.conn
	connected := m.state == StateConnected
	m.mu.Unlock()

	if !connected || conn == nil {
		logger.Warn("Dropping outbound %s frame: not connected", frame.Type)
		return ErrNotConnected
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to encode %s frame: %w", frame.Type, err)
	}
	if err := conn.WriteMessage(data); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", frame.Type, err)
	}
	return nil
}

// dial performs one connection attempt.
func (m *Manager) dial(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnectTimeout())
	defer cancel()

	conn, err := m.dialer.Dial(ctx, m.cfg.ServerURL)

	m.mu.Lock()
	if gen != m.gen {
		// Attempt was aborted by timeout or explicit disconnect
		m.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}

	m.dialing = false
	m.stopTimersLocked()

	if err != nil {
		m.handleAttemptFailureLocked(err)
		return
	}

	// Stop cannot cancel a timeout callback already blocked on the lock;
	// moving the generation forward makes it a no-op.
	m.gen++
	gen = m.gen
	m.conn = conn
	m.state = StateConnected
	m.retryCount = 0
	m.reconnecting = false
	m.serverAvailable = true
	m.lastErr = nil
	m.startHeartbeatLocked()
	authPending := m.userID != ""
	notify := m.notifyLocked(StateConnected, nil)
	m.mu.Unlock()

	notify()
	logger.Info("Connected to %s", m.cfg.ServerURL)

	if authPending {
		m.sendAuth()
	}
	go m.readLoop(conn, gen)
}

// connectTimedOut aborts an attempt that never produced an open handshake.
func (m *Manager) connectTimedOut(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}
	m.gen++ // invalidate the in-flight dial
	m.dialing = false
	m.handleAttemptFailureLocked(ErrConnectTimeout)
}

// handleAttemptFailureLocked finishes a failed connection attempt. A failed
// attempt during a backoff sequence feeds back into the schedule; a failed
// fresh connect surfaces as server unavailable. Unlocks m.mu.
func (m *Manager) handleAttemptFailureLocked(err error) {
	m.lastErr = err
	m.serverAvailable = false

	if m.reconnecting && m.retryCount < m.cfg.MaxReconnectAttempts {
		m.scheduleReconnectLocked()
		notify := m.notifyLocked(StateReconnecting, err)
		m.mu.Unlock()
		notify()
		return
	}

	m.reconnecting = false
	m.state = StateDisconnected
	notify := m.notifyLocked(StateDisconnected, err)
	m.mu.Unlock()

	notify()
	logger.Warn("Connection attempt failed: %v", err)
}

// readLoop consumes inbound frames until the connection drops. Invalid
// frames are dropped without reaching subscribers.
func (m *Manager) readLoop(conn Conn, gen int) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			m.handleClose(err, gen)
			return
		}

		frame, perr := protocol.Parse(data)
		if perr != nil {
			logger.Warn("Dropping invalid inbound frame: %v", perr)
			continue
		}
		m.router.Publish(frame)
	}
}

// handleClose reacts to a connection loss observed by the read loop.
func (m *Manager) handleClose(err error, gen int) {
	m.mu.Lock()
	if gen != m.gen {
		// Stale connection already replaced or torn down explicitly
		m.mu.Unlock()
		return
	}

	m.gen++
	m.stopHeartbeatLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}

	wasAvailable := m.serverAvailable
	clean := IsCleanClose(err)
	if !clean {
		m.serverAvailable = false
		m.lastErr = err
	}

	if m.cfg.MaxReconnectAttempts > 0 && wasAvailable && m.retryCount < m.cfg.MaxReconnectAttempts {
		m.reconnecting = true
		m.scheduleReconnectLocked()
		notify := m.notifyLocked(StateReconnecting, err)
		m.mu.Unlock()
		notify()
		logger.Warn("Connection lost (%v), reconnecting", err)
		return
	}

	m.reconnecting = false
	m.state = StateDisconnected
	notify := m.notifyLocked(StateDisconnected, err)
	m.mu.Unlock()

	notify()
	logger.Warn("Connection lost (%v), not reconnecting", err)
}

// scheduleReconnectLocked arms the backoff timer for the next attempt. The
// delay is base * 2^min(retryCount, maxAttempts). Caller holds m.mu.
func (m *Manager) scheduleReconnectLocked() {
	attempt := m.retryCount
	if attempt > m.cfg.MaxReconnectAttempts {
		attempt = m.cfg.MaxReconnectAttempts
	}
	delay := m.cfg.ReconnectBaseDelay() * (1 << uint(attempt))

	m.state = StateReconnecting
	gen := m.gen
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.reconnectNow(gen)
	})
	logger.Info("Reconnect attempt %d scheduled in %s", m.retryCount+1, delay)
}

// reconnectNow starts the next attempt of a backoff sequence.
func (m *Manager) reconnectNow(gen int) {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return
	}

	m.retryCount++
	m.dialing = true
	m.state = StateConnecting
	notify := m.notifyLocked(StateConnecting, nil)
	m.connectTimer = m.clock.AfterFunc(m.cfg.ConnectTimeout(), func() {
		m.connectTimedOut(gen)
	})
	m.mu.Unlock()

	notify()
	m.dial(gen)
}

// BackoffDelay returns the reconnect delay that a given retry count maps to.
func BackoffDelay(base time.Duration, retryCount, maxAttempts int) time.Duration {
	if retryCount > maxAttempts {
		retryCount = maxAttempts
	}
	return base * (1 << uint(retryCount))
}

func (m *Manager) startHeartbeatLocked() {
	m.heartbeat = m.clock.NewTicker(m.cfg.PingInterval())
	m.heartbeatDone = make(chan struct{})
	go m.pingLoop(m.heartbeat, m.heartbeatDone)
}

func (m *Manager) stopHeartbeatLocked() {
	if m.heartbeat != nil {
		m.heartbeat.Stop()
		m.heartbeat = nil
	}
	if m.heartbeatDone != nil {
		close(m.heartbeatDone)
		m.heartbeatDone = nil
	}
}

func (m *Manager) stopTimersLocked() {
	if m.connectTimer != nil {
		m.connectTimer.Stop()
		m.connectTimer = nil
	}
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

// pingLoop sends a heartbeat ping per tick. Pings are fire and forget; there
// is no pong timeout.
func (m *Manager) pingLoop(ticker Ticker, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case <-ticker.C():
			if err := m.Send(protocol.NewFrame(protocol.TypePing)); err != nil {
				return
			}
		}
	}
}

func (m *Manager) sendAuth() {
	m.mu.Lock()
	userID := m.userID
	m.mu.Unlock()

	auth := protocol.NewFrame(protocol.TypeAuth)
	auth.UserID = userID
	if err := m.Send(auth); err != nil {
		logger.Warn("Failed to send auth frame: %v", err)
	}
}

// notifyLocked captures the state-change callback for invocation after the
// lock is released. Caller holds m.mu.
func (m *Manager) notifyLocked(state State, err error) func() {
	fn := m.stateChanged
	if fn == nil {
		return func() {}
	}
	return func() { fn(state, err) }
}
