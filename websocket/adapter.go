package websocket

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"spoton-relay/domain"
	"spoton-relay/hub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 16
)

type Viewer struct {
	id          string
	ws          *websocket.Conn
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	broadcaster domain.Broadcaster
	handler     domain.MessageHandler
}

func NewViewer(id string, ws *websocket.Conn, b domain.Broadcaster, h domain.MessageHandler) *Viewer {
	return &Viewer{
		id:          id,
		ws:          ws,
		send:        make(chan []byte, sendBuffer),
		done:        make(chan struct{}),
		broadcaster: b,
		handler:     h,
	}
}

func (v *Viewer) ID() string { return v.id }

// Send queues data without blocking. A full queue or a closed viewer fails the send.
func (v *Viewer) Send(data []byte) error {
	select {
	case <-v.done:
		return hub.ErrViewerGone
	default:
	}

	select {
	case v.send <- data:
		return nil
	default:
		return websocket.ErrCloseSent
	}
}

func (v *Viewer) Close() error {
	v.closeOnce.Do(func() { close(v.done) })
	return v.ws.Close()
}

func (v *Viewer) Start() {
	v.broadcaster.Register(v)
	go v.writePump()
	go v.readPump()
}

func (v *Viewer) readPump() {
	defer func() {
		v.broadcaster.Unregister(v)
		v.Close()
	}()

	v.ws.SetReadLimit(maxMessageSize)
	v.ws.SetReadDeadline(time.Now().Add(pongWait))
	v.ws.SetPongHandler(func(string) error {
		v.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := v.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				slog.Error("read error", "viewerId", v.id, "error", err)
			}
			return
		}

		v.handler.Handle(v, data)
	}
}

func (v *Viewer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		v.Close()
	}()

	for {
		select {
		case <-v.done:
			v.ws.SetWriteDeadline(time.Now().Add(writeWait))
			v.ws.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-v.send:
			v.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				slog.Debug("write error", "viewerId", v.id, "error", err)
				return
			}
		case <-ticker.C:
			v.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := v.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
