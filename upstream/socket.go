package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spoton-relay/domain"
)

const (
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = (pongWait * 9) / 10
	maxMessageSize   = 64 * 1024
	handshakeTimeout = 5 * time.Second
)

var ErrNotConnected = errors.New("upstream: not connected")

// SocketConfig controls dialing and the automatic retry policy.
type SocketConfig struct {
	URL            string
	ReconnectDelay time.Duration
	// MaxAttempts bounds consecutive failed dials. Zero or less retries forever.
	MaxAttempts int
}

// Socket is an event-oriented WebSocket client to the telemetry source.
//
// After a dial failure or a broken connection it retries on its own with a
// fixed delay, up to MaxAttempts consecutive failures. When the source
// closes the connection deliberately it reports ReasonServerDisconnect and
// stops; calling Connect again is up to the consumer.
//
// Everything that happens is reported on Events, which must be drained.
type Socket struct {
	cfg    SocketConfig
	dialer *websocket.Dialer
	events chan Event

	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	active bool
	conn   *websocket.Conn
	wg     sync.WaitGroup

	writeMu sync.Mutex
}

func NewSocket(cfg SocketConfig) *Socket {
	return &Socket{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
		events: make(chan Event),
	}
}

func (s *Socket) Events() <-chan Event { return s.events }

// Connect starts dialing in the background. It does nothing while a
// previous Connect is still dialing, connected or retrying.
func (s *Socket) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return
	}
	if s.ctx == nil {
		s.ctx, s.cancel = context.WithCancel(context.Background())
	}
	s.active = true
	s.wg.Add(1)
	go s.run(s.ctx)
}

func (s *Socket) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Emit sends one event to the source. A nil payload omits the data member.
func (s *Socket) Emit(event string, payload any) error {
	msg := domain.Envelope{Event: event}
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", event, err)
		}
		msg.Data = body
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the connection and any pending retry. No events are
// sent after Close returns. The socket can be connected again afterwards.
func (s *Socket) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.ctx, s.cancel = nil, nil
	s.active = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Socket) run(ctx context.Context) {
	defer s.wg.Done()

	failures := 0
	for {
		conn, err := s.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			slog.Debug("upstream dial failed", "url", s.cfg.URL, "attempt", failures, "error", err)
			if !s.publish(ctx, ConnectError{Attempt: failures, Err: err}) {
				return
			}
			if s.cfg.MaxAttempts > 0 && failures >= s.cfg.MaxAttempts {
				s.deactivate()
				s.publish(ctx, ReconnectFailed{Attempts: failures})
				return
			}
			if !s.wait(ctx) || !s.publish(ctx, ReconnectAttempt{Attempt: failures + 1}) {
				return
			}
			continue
		}

		s.setConn(conn)
		if !s.publish(ctx, Connected{Attempts: failures}) {
			s.dropConn(conn)
			return
		}
		failures = 0

		reason, err := s.serve(ctx, conn)
		s.dropConn(conn)
		if ctx.Err() != nil {
			return
		}

		if reason == ReasonServerDisconnect {
			s.deactivate()
			s.publish(ctx, Disconnected{Reason: reason, Err: err})
			return
		}
		if !s.publish(ctx, Disconnected{Reason: reason, Err: err}) || !s.wait(ctx) {
			return
		}
	}
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// serve reads from conn until it fails and classifies the failure.
func (s *Socket) serve(ctx context.Context, conn *websocket.Conn) (Reason, error) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	done := make(chan struct{})
	defer close(done)
	go s.keepalive(conn, done)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return ReasonServerDisconnect, err
			}
			return ReasonTransportError, err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg domain.Envelope
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid message from source", "error", err)
			continue
		}
		if !s.publish(ctx, Message{Name: msg.Event, Data: msg.Data}) {
			return ReasonTransportError, ctx.Err()
		}
	}
}

func (s *Socket) keepalive(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Socket) publish(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Socket) wait(ctx context.Context) bool {
	timer := time.NewTimer(s.cfg.ReconnectDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Socket) deactivate() {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
}

func (s *Socket) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *Socket) dropConn(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.mu.Unlock()
	conn.Close()
}
