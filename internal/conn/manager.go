// Package conn owns the persistent websocket channels to the radio server:
// one Manager per logical channel (DJ audio uplink, listener/status). A
// Manager is the sole owner of its socket and timers; everything else
// observes it through subscriptions.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wildcastradio/aircast/internal/auth"
	"github.com/wildcastradio/aircast/internal/backoff"
	"github.com/wildcastradio/aircast/internal/event"
	"github.com/wildcastradio/aircast/internal/metrics"
	"github.com/wildcastradio/aircast/internal/netmon"
)

// State of the logical channel.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Closing
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Closing:
		return "closing"
	default:
		return "disconnected"
	}
}

// Message is one inbound frame. Heartbeat acks are consumed internally and
// never appear here.
type Message struct {
	Binary bool
	Data   []byte
}

// TerminalError is published when the server closes the channel with a
// non-retryable code; the Manager will not reconnect on its own.
type TerminalError struct {
	Code   int
	Reason string
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("channel closed by server (code %d): %s", e.Code, e.Reason)
}

// ErrQualityRejected wraps close code 4001 so callers can match it without
// knowing the numeric contract.
var ErrQualityRejected = errors.New("rejected: insufficient input audio quality")

const (
	defaultDialTimeout     = 10 * time.Second
	defaultWriteTimeout    = 10 * time.Second
	DefaultHealthInterval  = 30 * time.Second
	DefaultHealthThreshold = 60 * time.Second
	UplinkHeartbeat        = 30 * time.Second
	StatusHeartbeat        = 60 * time.Second

	pingPayload = "ping"
	pongPayload = "pong"
)

// Config for one logical channel.
type Config struct {
	Channel string // e.g. "dj-uplink", "listener-status"

	HeartbeatInterval time.Duration
	HealthInterval    time.Duration
	HealthThreshold   time.Duration

	Policy *backoff.Policy   // required
	Tokens auth.TokenSource  // optional bearer credential
	Net    *netmon.Monitor   // optional shared connectivity signal
	Stats  *metrics.Set      // optional
}

// Manager drives the lifecycle of exactly one channel's socket: idempotent
// connect, best-effort send, heartbeat, silent-death detection and
// backoff-paced reconnection. All exported methods are safe for concurrent
// use; timer and read-loop callbacks re-check state under the lock because
// the world may have moved on by the time they fire.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu        sync.Mutex
	state     State
	url       string
	ws        *websocket.Conn
	gen       uint64        // socket generation; stale callbacks bail out
	done      chan struct{} // closed when the current socket's loops must stop
	lastAck   time.Time
	reconnect *time.Timer
	deferred  bool // reconnect postponed because the network is offline

	writeMu sync.Mutex

	states   *event.Emitter[State]
	messages *event.Emitter[Message]
	opens    *event.Emitter[struct{}]
	terminal *event.Emitter[*TerminalError]

	netCancel func()
	closed    bool
}

// New creates a Manager. It does not dial; call Connect.
func New(cfg Config) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = UplinkHeartbeat
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if cfg.HealthThreshold <= 0 {
		cfg.HealthThreshold = DefaultHealthThreshold
	}
	if cfg.Policy == nil {
		cfg.Policy = backoff.New(backoff.StatusMaxAttempts)
	}
	m := &Manager{
		cfg:      cfg,
		log:      slog.With("component", "conn", "channel", cfg.Channel),
		states:   event.New[State]("conn." + cfg.Channel + ".state"),
		messages: event.New[Message]("conn." + cfg.Channel + ".msg"),
		opens:    event.New[struct{}]("conn." + cfg.Channel + ".open"),
		terminal: event.New[*TerminalError]("conn." + cfg.Channel + ".terminal"),
	}
	if cfg.Net != nil {
		ch, cancel := cfg.Net.Subscribe()
		m.netCancel = cancel
		go m.watchNetwork(ch)
	}
	return m
}

// Subscriptions for observers. Connection status booleans for UI come from
// States / IsConnected.

func (m *Manager) States() (<-chan State, func())            { return m.states.Subscribe() }
func (m *Manager) Messages() (<-chan Message, func())        { return m.messages.Subscribe() }
func (m *Manager) Opens() (<-chan struct{}, func())          { return m.opens.Subscribe() }
func (m *Manager) Terminal() (<-chan *TerminalError, func()) { return m.terminal.Subscribe() }

// State returns the current channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsConnected reports whether the socket is open.
func (m *Manager) IsConnected() bool { return m.State() == Connected }

// Connect opens the channel to url. Idempotent: a call while Connecting or
// Connected is a no-op. The URL is retained for reconnection until
// Disconnect clears it.
func (m *Manager) Connect(url string) {
	m.mu.Lock()
	if m.closed || m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return
	}
	m.stopReconnectLocked()
	m.url = url
	m.setStateLocked(Connecting)
	gen := m.gen + 1
	m.gen = gen
	m.mu.Unlock()

	m.log.Info("connecting", "url", url)
	go m.dial(url, gen)
}

func (m *Manager) dial(url string, gen uint64) {
	dialer := websocket.Dialer{HandshakeTimeout: defaultDialTimeout}
	ws, resp, err := dialer.Dial(url, auth.Header(m.cfg.Tokens))
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	m.mu.Lock()
	if gen != m.gen || m.state != Connecting {
		m.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		m.log.Warn("dial failed", "error", err)
		m.scheduleReconnect()
		return
	}

	m.ws = ws
	m.lastAck = time.Now()
	m.done = make(chan struct{})
	m.setStateLocked(Connected)
	m.cfg.Policy.Reset()
	done := m.done
	m.mu.Unlock()

	m.log.Info("connected")
	m.opens.Publish(struct{}{})

	go m.readLoop(ws, gen)
	go m.heartbeatLoop(done)
	go m.healthLoop(ws, done, gen)
}

// Send forwards binary payload if the channel is Connected. Best effort:
// when not connected it logs and reports false, it never errors out to the
// caller — the uplink encoder decides whether to drop or hold data.
func (m *Manager) Send(payload []byte) bool {
	return m.write(websocket.BinaryMessage, payload)
}

// SendText forwards a text payload under the same best-effort contract.
func (m *Manager) SendText(payload string) bool {
	return m.write(websocket.TextMessage, []byte(payload))
}

func (m *Manager) write(messageType int, payload []byte) bool {
	m.mu.Lock()
	ws := m.ws
	connected := m.state == Connected
	m.mu.Unlock()
	if !connected || ws == nil {
		m.log.Warn("send skipped, channel not connected", "state", m.State().String())
		return false
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	ws.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
	if err := ws.WriteMessage(messageType, payload); err != nil {
		m.log.Warn("send failed", "error", err)
		return false
	}
	return true
}

// Disconnect is the explicit, user-initiated shutdown: timers stop, the
// socket closes with a normal code and the retained URL is cleared so no
// automatic reconnection fires afterwards.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.stopReconnectLocked()
	m.url = ""
	m.deferred = false
	ws := m.ws
	if ws == nil {
		m.setStateLocked(Disconnected)
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Closing)
	m.gen++ // invalidate the read loop's close handling
	m.ws = nil
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	m.writeMu.Lock()
	ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client disconnect"),
		time.Now().Add(time.Second))
	m.writeMu.Unlock()
	ws.Close()
	m.log.Info("disconnected")
}

// Close tears the Manager down entirely (process shutdown).
func (m *Manager) Close() {
	m.Disconnect()
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	if m.netCancel != nil {
		m.netCancel()
	}
	m.states.Close()
	m.messages.Close()
	m.opens.Close()
	m.terminal.Close()
}

func (m *Manager) readLoop(ws *websocket.Conn, gen uint64) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			code := websocket.CloseAbnormalClosure
			reason := err.Error()
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				code = ce.Code
				reason = ce.Text
			}
			m.handleClosed(gen, code, reason)
			return
		}
		if messageType == websocket.TextMessage && string(data) == pongPayload {
			m.mu.Lock()
			if gen == m.gen {
				m.lastAck = time.Now()
			}
			m.mu.Unlock()
			continue
		}
		m.messages.Publish(Message{
			Binary: messageType == websocket.BinaryMessage,
			Data:   data,
		})
	}
}

func (m *Manager) handleClosed(gen uint64, code int, reason string) {
	m.mu.Lock()
	if gen != m.gen || m.closed {
		// Socket already replaced or explicitly closed; nothing to do.
		m.mu.Unlock()
		return
	}
	if m.ws != nil {
		m.ws.Close()
		m.ws = nil
	}
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.setStateLocked(Disconnected)
	m.mu.Unlock()

	switch {
	case code == CodeQualityRejected:
		// Terminal: clear the URL too, so the network-online trigger cannot
		// redial into another rejection. The session must be rebuilt with a
		// compliant source first.
		m.mu.Lock()
		m.url = ""
		m.deferred = false
		m.mu.Unlock()
		m.log.Error("server rejected stream quality, not reconnecting", "reason", reason)
		m.terminal.Publish(&TerminalError{Code: code, Reason: reason})
	case cleanClose(code):
		m.log.Info("channel closed cleanly", "code", code)
	default:
		m.log.Warn("channel closed abnormally", "code", code, "reason", reason)
		m.scheduleReconnect()
	}
}

func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	if m.closed || m.url == "" || m.state != Disconnected || m.reconnect != nil {
		return
	}
	if m.cfg.Net != nil && !m.cfg.Net.Online() {
		// Do not burn attempts against a dead network; the online edge
		// resumes the cycle.
		m.deferred = true
		m.log.Info("network offline, reconnect deferred")
		return
	}
	delay, attempt, ok := m.cfg.Policy.Next()
	if !ok {
		m.log.Error("reconnect attempts exhausted", "attempts", attempt)
		return
	}
	if m.cfg.Stats != nil {
		m.cfg.Stats.ReconnectAttempts.WithLabelValues(m.cfg.Channel).Inc()
	}
	m.log.Warn("scheduling reconnect", "attempt", attempt, "max", m.cfg.Policy.MaxAttempts, "delay", delay)
	url := m.url
	m.reconnect = time.AfterFunc(delay, func() {
		m.mu.Lock()
		m.reconnect = nil
		stale := m.closed || m.url != url || m.state != Disconnected
		m.mu.Unlock()
		if stale {
			return
		}
		m.Connect(url)
	})
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) heartbeatLoop(done chan struct{}) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if m.IsConnected() {
				m.SendText(pingPayload)
			}
		}
	}
}

// healthLoop force-closes sockets that stay open at the transport layer but
// stop acking heartbeats; the read loop then runs the normal abnormal-close
// reconnection path.
func (m *Manager) healthLoop(ws *websocket.Conn, done chan struct{}, gen uint64) {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			m.mu.Lock()
			stale := gen != m.gen
			silent := time.Since(m.lastAck) > m.cfg.HealthThreshold
			m.mu.Unlock()
			if stale {
				return
			}
			if silent {
				m.log.Warn("no heartbeat ack, force-closing silent socket",
					"threshold", m.cfg.HealthThreshold)
				if m.cfg.Stats != nil {
					m.cfg.Stats.HeartbeatTimeouts.WithLabelValues(m.cfg.Channel).Inc()
				}
				ws.Close()
				return
			}
		}
	}
}

func (m *Manager) watchNetwork(ch <-chan netmon.Change) {
	for change := range ch {
		if !change.Online {
			// Pause any pending attempt without charging the counter.
			m.mu.Lock()
			m.stopReconnectLocked()
			if m.url != "" && m.state == Disconnected {
				m.deferred = true
			}
			m.mu.Unlock()
			continue
		}
		m.mu.Lock()
		retry := m.deferred || (m.url != "" && m.state == Disconnected)
		m.deferred = false
		url := m.url
		m.mu.Unlock()
		if retry && url != "" {
			m.log.Info("network online, retrying immediately")
			m.cfg.Policy.Reset()
			m.Connect(url)
		}
	}
}

func (m *Manager) setStateLocked(s State) {
	if m.state == s {
		return
	}
	m.state = s
	if m.cfg.Stats != nil {
		m.cfg.Stats.ConnState.WithLabelValues(m.cfg.Channel).Set(float64(s))
	}
	m.states.Publish(s)
}
