package socket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/anunciaya/chatd/internal/bus"
	"github.com/anunciaya/chatd/internal/status"
)

var (
	// ErrUnauthenticated means the transport rejected the session credential.
	// The manager stops auto-reconnecting when it sees this.
	ErrUnauthenticated = errors.New("transport rejected credentials")

	// ErrAckTimeout means the server never acknowledged an emit.
	ErrAckTimeout = errors.New("ack timed out")

	// ErrNotConnected means an emit was attempted with no live connection.
	ErrNotConnected = errors.New("socket not connected")
)

// closeUnauthorized is the application close code the backend uses for a
// rejected or expired token.
const closeUnauthorized = 4401

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// frame is the wire envelope. Every message on the socket is one frame: an
// event name, its JSON payload, and an optional ack correlation id. The
// server answers an acked emit with an "ack" frame carrying the same id.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	AckID string          `json:"ackId,omitempty"`
}

const ackEvent = "ack"

// Options configures a Manager.
type Options struct {
	// URL is the full websocket endpoint (ws:// or wss://).
	URL string
	// Token is the session bearer credential, sent on the handshake.
	Token string
	// UserID is the current user, announced on the personal join.
	UserID string

	HeartbeatInterval time.Duration
	AckTimeout        time.Duration
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
}

// Manager owns the single socket connection for a session. All components
// share it by reference; inbound frames are republished on the bus under the
// "socket." namespace, so the manager never needs to know its consumers.
type Manager struct {
	opts    Options
	bus     *bus.Bus
	machine *status.Machine
	logger  *zap.Logger
	limiter *rate.Limiter

	mu     sync.Mutex
	conn   *websocket.Conn
	joined map[string]struct{}
	acks   map[string]chan json.RawMessage
	cancel context.CancelFunc
}

// NewManager creates a manager. Connect must be called to start it.
func NewManager(opts Options, b *bus.Bus, machine *status.Machine, logger *zap.Logger) *Manager {
	interval := opts.HeartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Manager{
		opts:    opts,
		bus:     b,
		machine: machine,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		joined:  make(map[string]struct{}),
		acks:    make(map[string]chan json.RawMessage),
	}
}

// Connect starts the connection loop. It returns immediately; the loop
// retries with capped exponential backoff for as long as ctx lives or until
// the credential is rejected.
func (m *Manager) Connect(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	go m.run(ctx)
}

// Disconnect stops the loop and closes the connection.
func (m *Manager) Disconnect() {
	if m.cancel != nil {
		m.cancel()
	}
	m.mu.Lock()
	if m.conn != nil {
		_ = m.conn.Close()
		m.conn = nil
	}
	m.mu.Unlock()
}

// Join registers a channel in the join registry and announces it if
// connected. The registry is a set: joining twice is a no-op, and every
// registered channel is re-announced after each reconnect.
func (m *Manager) Join(channel string) {
	m.mu.Lock()
	if _, ok := m.joined[channel]; ok {
		m.mu.Unlock()
		return
	}
	m.joined[channel] = struct{}{}
	connected := m.conn != nil
	m.mu.Unlock()

	if connected {
		_ = m.Emit("join", map[string]string{"channel": channel})
	}
}

// Emit sends a fire-and-forget event.
func (m *Manager) Emit(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return m.write(frame{Event: event, Data: data})
}

// EmitAck sends an event and waits for the server's acknowledgment, up to
// the configured ack timeout. A duplicate ack for an id that already
// resolved is dropped by the registry.
func (m *Manager) EmitAck(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}

	ackID := uuid.NewString()
	ch := make(chan json.RawMessage, 1)
	m.mu.Lock()
	m.acks[ackID] = ch
	m.mu.Unlock()

	if err := m.write(frame{Event: event, Data: data, AckID: ackID}); err != nil {
		m.dropAck(ackID)
		return nil, err
	}

	timeout := m.opts.AckTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		m.dropAck(ackID)
		return nil, ErrAckTimeout
	case <-ctx.Done():
		m.dropAck(ackID)
		return nil, ctx.Err()
	}
}

// Activity reports local user input. Emissions are coalesced to at most one
// user:activity heartbeat per heartbeat interval, so keystroke bursts do
// not flood the server.
func (m *Manager) Activity() {
	if !m.limiter.Allow() {
		return
	}
	_ = m.Emit("user:activity", struct{}{})
}

func (m *Manager) run(ctx context.Context) {
	delay := m.opts.ReconnectMin
	if delay <= 0 {
		delay = 600 * time.Millisecond
	}
	maxDelay := m.opts.ReconnectMax
	if maxDelay <= 0 {
		maxDelay = 6 * time.Second
	}
	backoff := delay

	for {
		if ctx.Err() != nil {
			return
		}
		_ = m.machine.Transition(status.Connecting)

		conn, err := m.dial(ctx)
		if err != nil {
			if errors.Is(err, ErrUnauthenticated) {
				m.authFailed()
				return
			}
			m.logger.Warn("socket dial failed", zap.Error(err), zap.Duration("retry_in", backoff))
			_ = m.machine.Transition(status.Reconnecting)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff = min(backoff*2, maxDelay)
			continue
		}

		backoff = delay
		m.onConnected(conn)
		err = m.readLoop(ctx, conn)

		m.mu.Lock()
		m.conn = nil
		m.mu.Unlock()
		m.bus.Emit(bus.KindConnLost, nil)

		if errors.Is(err, ErrUnauthenticated) {
			m.authFailed()
			return
		}
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("socket connection lost", zap.Error(err))
		_ = m.machine.Transition(status.Reconnecting)
	}
}

func (m *Manager) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, m.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: handshake status %d", ErrUnauthenticated, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", m.opts.URL, err)
	}
	return conn, nil
}

// onConnected performs the join handshake: announce the personal channel,
// re-announce every registered channel, and ask for a fresh presence
// snapshot. The server treats repeated joins as idempotent.
func (m *Manager) onConnected(conn *websocket.Conn) {
	m.mu.Lock()
	m.conn = conn
	channels := make([]string, 0, len(m.joined))
	for ch := range m.joined {
		channels = append(channels, ch)
	}
	m.mu.Unlock()

	m.logger.Info("socket connected", zap.String("url", m.opts.URL))
	_ = m.machine.Transition(status.Syncing)

	_ = m.Emit("join", map[string]string{"userId": m.opts.UserID})
	for _, ch := range channels {
		_ = m.Emit("join", map[string]string{"channel": ch})
	}
	_ = m.Emit("user:status:request", struct{}{})

	m.bus.Emit(bus.KindConnEstablished, nil)
}

func (m *Manager) readLoop(ctx context.Context, conn *websocket.Conn) error {
	// Keepalive pings, one writer goroutine per connection.
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	go m.pingLoop(pingCtx, conn)

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, closeUnauthorized) {
				return fmt.Errorf("%w: %v", ErrUnauthenticated, err)
			}
			return err
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			m.logger.Warn("malformed frame", zap.Error(err))
			continue
		}

		switch f.Event {
		case ackEvent:
			m.resolveAck(f.AckID, f.Data)
		case "unauthorized":
			return fmt.Errorf("%w: server notice", ErrUnauthenticated)
		default:
			m.bus.Emit(bus.NsSocket+f.Event, f.Data)
		}
	}
}

func (m *Manager) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// write serializes frame writes; gorilla connections allow one writer at a
// time.
func (m *Manager) write(f frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn == nil {
		return ErrNotConnected
	}
	_ = m.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return m.conn.WriteJSON(f)
}

// resolveAck delivers an ack payload to the waiting emit. The entry is
// removed first, so a second ack with the same id finds nothing and is
// dropped.
func (m *Manager) resolveAck(ackID string, data json.RawMessage) {
	m.mu.Lock()
	ch, ok := m.acks[ackID]
	if ok {
		delete(m.acks, ackID)
	}
	m.mu.Unlock()
	if ok {
		ch <- data
	}
}

func (m *Manager) dropAck(ackID string) {
	m.mu.Lock()
	delete(m.acks, ackID)
	m.mu.Unlock()
}

func (m *Manager) authFailed() {
	m.logger.Warn("authentication rejected, reconnect halted")
	_ = m.machine.Transition(status.AuthRequired)
	m.bus.Emit(bus.KindConnUnauthenticated, nil)
}
