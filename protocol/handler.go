package protocol

import (
	"encoding/json"
	"log/slog"

	"spoton-relay/domain"
)

type PullForwarder interface {
	RequestFrame(conn domain.Connection) bool
}

type Handler struct {
	forwarder PullForwarder
}

func NewHandler(f PullForwarder) *Handler {
	return &Handler{forwarder: f}
}

func (h *Handler) Handle(conn domain.Connection, data []byte) {
	var msg domain.Envelope
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("invalid message", "viewerId", conn.ID(), "error", err)
		return
	}

	switch msg.Event {
	case domain.EventPing:
		pong, err := json.Marshal(domain.Envelope{Event: domain.EventPong, Data: msg.Data})
		if err != nil {
			slog.Warn("marshal error", "viewerId", conn.ID(), "error", err)
			return
		}
		if err := conn.Send(pong); err != nil {
			slog.Debug("pong not delivered", "viewerId", conn.ID(), "error", err)
		}
	case domain.EventRequestParkingData:
		h.forwarder.RequestFrame(conn)
	default:
		slog.Debug("unknown viewer event", "viewerId", conn.ID(), "event", msg.Event)
	}
}
