package upstream

import (
	"context"
	"log/slog"
	"sync"

	"spoton-relay/domain"
	"spoton-relay/protocol"
)

// Transport is the duplex event channel Link drives. *Socket implements it.
type Transport interface {
	Connect()
	Emit(event string, payload any) error
	Events() <-chan Event
	Close()
}

type FrameHandler interface {
	HandleFrame(frame domain.RawFrame)
}

type FrameHandlerFunc func(frame domain.RawFrame)

func (f FrameHandlerFunc) HandleFrame(frame domain.RawFrame) { f(frame) }

// StateChange describes the link after a lifecycle event. Exhausted is set on
// the single notification that reports reaching the attempt limit.
type StateChange struct {
	State     domain.LinkState
	Attempts  int
	Exhausted bool
}

type StateHandler interface {
	HandleStateChange(change StateChange)
}

type StateHandlerFunc func(change StateChange)

func (f StateHandlerFunc) HandleStateChange(change StateChange) { f(change) }

// Link owns the connection to the telemetry source. It tracks state and
// reconnect attempts, turns parking_update events into frames, and
// reconnects explicitly when the source closes the connection.
//
// Handlers for source events run one at a time on the link's goroutine, in
// the order events arrive. The state changes made by Connect and Disconnect
// are reported on the caller's goroutine instead. Handlers must not call
// Disconnect.
type Link struct {
	transport   Transport
	url         string
	maxAttempts int

	mu            sync.Mutex
	state         domain.LinkState
	attempts      int
	exhausted     bool
	frameHandlers []FrameHandler
	stateHandlers []StateHandler
	cancel        context.CancelFunc
	done          chan struct{}
}

func NewLink(t Transport, url string, maxAttempts int) *Link {
	return &Link{
		transport:   t,
		url:         url,
		maxAttempts: maxAttempts,
	}
}

func (l *Link) OnFrame(h FrameHandler) {
	l.mu.Lock()
	l.frameHandlers = append(l.frameHandlers, h)
	l.mu.Unlock()
}

func (l *Link) OnStateChange(h StateHandler) {
	l.mu.Lock()
	l.stateHandlers = append(l.stateHandlers, h)
	l.mu.Unlock()
}

// Connect starts connecting and returns immediately. It does nothing while
// the link is already connecting or connected. Connecting again after the
// attempt limit was reached starts a fresh count.
func (l *Link) Connect() {
	l.mu.Lock()
	if l.state != domain.Disconnected {
		l.mu.Unlock()
		return
	}
	if l.done == nil {
		ctx, cancel := context.WithCancel(context.Background())
		l.cancel = cancel
		l.done = make(chan struct{})
		go l.run(ctx, l.done)
	}
	l.state = domain.Connecting
	l.attempts = 0
	l.exhausted = false
	change := l.changeLocked(false)
	l.mu.Unlock()

	slog.Info("connecting to source", "url", l.url)
	l.notify(change)
	l.transport.Connect()
}

// RequestFrame asks the source for a fresh frame. It reports false without
// sending anything when the link is not connected.
func (l *Link) RequestFrame() bool {
	l.mu.Lock()
	connected := l.state == domain.Connected
	l.mu.Unlock()

	if !connected {
		return false
	}
	if err := l.transport.Emit(domain.EventRequestData, nil); err != nil {
		slog.Debug("request_data not sent", "error", err)
		return false
	}
	return true
}

// Disconnect closes the connection and cancels any pending retry. It is
// safe in any state. No handler runs after it returns.
func (l *Link) Disconnect() {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if done == nil {
		return
	}

	slog.Info("disconnecting from source", "url", l.url)
	cancel()
	<-done
	l.transport.Close()

	l.mu.Lock()
	changed := l.state != domain.Disconnected
	l.state = domain.Disconnected
	change := l.changeLocked(false)
	l.mu.Unlock()

	if changed {
		l.notify(change)
	}
}

func (l *Link) Status() (domain.LinkState, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state, l.attempts
}

func (l *Link) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	events := l.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			if ctx.Err() != nil {
				return
			}
			l.handle(ev)
		}
	}
}

func (l *Link) handle(ev Event) {
	switch ev := ev.(type) {
	case Connected:
		l.mu.Lock()
		l.attempts = 0
		l.exhausted = false
		l.state = domain.Connected
		change := l.changeLocked(false)
		l.mu.Unlock()

		if ev.Attempts > 0 {
			slog.Info("reconnected to source", "url", l.url, "afterAttempts", ev.Attempts)
		} else {
			slog.Info("connected to source", "url", l.url)
		}
		l.notify(change)

	case ConnectError:
		l.mu.Lock()
		l.attempts++
		l.state = domain.Connecting
		exhausted := l.maxAttempts > 0 && l.attempts >= l.maxAttempts && !l.exhausted
		if exhausted {
			l.exhausted = true
		}
		change := l.changeLocked(exhausted)
		l.mu.Unlock()

		slog.Error("connection error", "url", l.url, "attempt", change.Attempts, "max", l.maxAttempts, "error", ev.Err)
		if exhausted {
			slog.Error("max reconnection attempts reached, telemetry is stale until the source is reachable",
				"url", l.url, "attempts", change.Attempts)
		}
		l.notify(change)

	case ReconnectAttempt:
		slog.Info("reconnection attempt", "url", l.url, "attempt", ev.Attempt)

	case ReconnectFailed:
		l.mu.Lock()
		l.state = domain.Disconnected
		exhausted := !l.exhausted
		l.exhausted = true
		change := l.changeLocked(exhausted)
		l.mu.Unlock()

		slog.Error("source unreachable, giving up", "url", l.url, "attempts", ev.Attempts)
		l.notify(change)

	case Disconnected:
		l.mu.Lock()
		l.state = domain.Connecting
		change := l.changeLocked(false)
		l.mu.Unlock()

		slog.Warn("disconnected from source", "url", l.url, "reason", string(ev.Reason), "error", ev.Err)
		l.notify(change)

		if ev.Reason == ReasonServerDisconnect {
			slog.Info("source closed the connection, reconnecting", "url", l.url)
			l.transport.Connect()
		}

	case Message:
		if ev.Name != domain.EventParkingUpdate {
			slog.Debug("ignoring source event", "event", ev.Name)
			return
		}
		frame, err := protocol.DecodeRawFrame(ev.Data)
		if err != nil {
			slog.Warn("dropping malformed frame", "error", err)
			return
		}
		slog.Debug("frame received", "frame", frame)

		l.mu.Lock()
		handlers := append([]FrameHandler(nil), l.frameHandlers...)
		l.mu.Unlock()
		for _, h := range handlers {
			h.HandleFrame(frame)
		}
	}
}

func (l *Link) changeLocked(exhausted bool) StateChange {
	return StateChange{State: l.state, Attempts: l.attempts, Exhausted: exhausted}
}

func (l *Link) notify(change StateChange) {
	l.mu.Lock()
	handlers := append([]StateHandler(nil), l.stateHandlers...)
	l.mu.Unlock()

	for _, h := range handlers {
		h.HandleStateChange(change)
	}
}
