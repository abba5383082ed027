package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// aggregatorURL is the fixed reporting endpoint. Not runtime-configurable.
const aggregatorURL = "wss://geofs-flightradar.onrender.com/"

const reconnectDelay = 2 * time.Second

type connState int

const (
	stateDisconnected connState = iota
	stateConnecting
	stateOpen
	stateClosing
)

func (s connState) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateOpen:
		return "open"
	case stateClosing:
		return "closing"
	}
	return fmt.Sprintf("connState(%d)", int(s))
}

// wsConn is the slice of *websocket.Conn the manager needs. Tests substitute
// a fake to drive open/close/error transitions without a network.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

type dialFunc func(url string) (wsConn, error)

func gorillaDial(url string) (wsConn, error) {
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ConnManager owns the single aggregator connection. It reconnects forever
// on a fixed delay after any close, sends a hello message once per
// successful connect, and drops sends while not open. Transport errors are
// logged and resolved by forcing a close; they never reach callers.
type ConnManager struct {
	url        string
	dial       dialFunc
	retryDelay time.Duration

	// writeMu serializes transport writes: the tick loop and the
	// reconnect timer's hello are separate goroutines, and the websocket
	// allows only one writer at a time.
	writeMu sync.Mutex

	mu     sync.Mutex
	state  connState
	conn   wsConn
	retry  *time.Timer
	closed bool
	sent   int
}

func NewConnManager(url string) *ConnManager {
	return &ConnManager{
		url:        url,
		dial:       gorillaDial,
		retryDelay: reconnectDelay,
	}
}

// Connect dials the aggregator. A no-op while already connecting or open,
// or after Close.
func (m *ConnManager) Connect() {
	m.mu.Lock()
	if m.closed || m.state != stateDisconnected {
		m.mu.Unlock()
		return
	}
	m.state = stateConnecting
	m.mu.Unlock()

	conn, err := m.dial(m.url)
	if err != nil {
		slog.Warn("aggregator connect failed", "url", m.url, "error", err)
		m.mu.Lock()
		m.state = stateDisconnected
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}

	// The hello goes out before the connection is published as open, so
	// no position report can reach the aggregator ahead of it.
	hello, _ := json.Marshal(helloMessage())
	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, hello)
	m.writeMu.Unlock()
	if err != nil {
		slog.Warn("aggregator hello failed", "url", m.url, "error", err)
		conn.Close()
		m.mu.Lock()
		m.state = stateDisconnected
		m.scheduleRetryLocked()
		m.mu.Unlock()
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.state = stateOpen
	m.sent++
	m.mu.Unlock()

	slog.Info("aggregator connected", "url", m.url)
	go m.readLoop(conn)
}

// Ready reports whether Send would actually transmit.
func (m *ConnManager) Ready() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == stateOpen
}

// Sent returns the number of messages transmitted so far.
func (m *ConnManager) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

func (m *ConnManager) State() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.String()
}

// Send transmits when open and silently drops otherwise. There is no queue:
// a report generated while disconnected is lost. A message that cannot be
// encoded is dropped; a write error forces the connection closed, which
// routes through the normal retry path.
func (m *ConnManager) Send(msg wireMessage) {
	m.mu.Lock()
	conn := m.conn
	open := m.state == stateOpen
	m.mu.Unlock()

	if !open || conn == nil {
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		slog.Warn("dropping unencodable message", "type", msg.Type, "error", err)
		return
	}
	m.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, data)
	m.writeMu.Unlock()
	if err != nil {
		slog.Warn("aggregator send failed", "error", err)
		conn.Close()
		return
	}
	m.mu.Lock()
	m.sent++
	m.mu.Unlock()
}

// Close tears the manager down for good: no further retries are scheduled.
// Production teardown is process exit; this exists for tests and for clean
// shutdown from main.
func (m *ConnManager) Close() {
	m.mu.Lock()
	m.closed = true
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
	conn := m.conn
	m.conn = nil
	if conn != nil {
		m.state = stateClosing
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}

	m.mu.Lock()
	m.state = stateDisconnected
	m.mu.Unlock()
}

// readLoop drains inbound frames so close and error conditions surface.
// The aggregator sends nothing the client acts on; its frames are dropped.
func (m *ConnManager) readLoop(conn wsConn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			m.connLost(conn, err)
			return
		}
	}
}

// connLost handles a dead transport: transition to disconnected and schedule
// exactly one retry. The conn identity check keeps a stale read loop from a
// previous connection from disturbing the current one.
func (m *ConnManager) connLost(conn wsConn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != conn {
		return
	}
	conn.Close()
	m.conn = nil
	m.state = stateDisconnected

	slog.Warn("aggregator connection lost, retrying", "delay", m.retryDelay, "error", err)
	m.scheduleRetryLocked()
}

func (m *ConnManager) scheduleRetryLocked() {
	if m.closed {
		return
	}
	m.retry = time.AfterFunc(m.retryDelay, m.Connect)
}
