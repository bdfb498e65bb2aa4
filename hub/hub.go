package hub

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"spoton-relay/domain"
	"spoton-relay/protocol"
)

var ErrViewerGone = errors.New("viewer connection gone")

type Hub struct {
	requester domain.FrameRequester

	mu      sync.RWMutex
	viewers map[string]domain.Connection
	latest  []byte

	broadcasts  atomic.Uint64
	failedSends atomic.Uint64
}

type Stats struct {
	Viewers     int    `json:"viewers"`
	Broadcasts  uint64 `json:"broadcasts"`
	FailedSends uint64 `json:"failedSends"`
}

func New(requester domain.FrameRequester) *Hub {
	return &Hub{
		requester: requester,
		viewers:   make(map[string]domain.Connection),
	}
}

// Register adds a viewer and replays the most recent frame to it.
func (h *Hub) Register(conn domain.Connection) {
	h.mu.Lock()
	if _, exists := h.viewers[conn.ID()]; exists {
		h.mu.Unlock()
		return
	}
	h.viewers[conn.ID()] = conn
	count := len(h.viewers)

	// Replay under the lock so a concurrent Broadcast cannot be overtaken.
	var replayErr error
	if h.latest != nil {
		replayErr = conn.Send(h.latest)
	}
	h.mu.Unlock()

	slog.Info("viewer connected", "viewerId", conn.ID(), "viewers", count)
	if replayErr != nil {
		slog.Warn("replay failed", "viewerId", conn.ID(), "error", replayErr)
	}
}

func (h *Hub) Unregister(conn domain.Connection) {
	h.mu.Lock()
	if _, exists := h.viewers[conn.ID()]; !exists {
		h.mu.Unlock()
		return
	}
	delete(h.viewers, conn.ID())
	count := len(h.viewers)
	h.mu.Unlock()

	slog.Info("viewer disconnected", "viewerId", conn.ID(), "viewers", count)
}

// Broadcast sends frame to every viewer registered at call time. A failed
// send is logged and skipped; the viewer stays registered until its
// transport unregisters it.
func (h *Hub) Broadcast(frame domain.CanonicalFrame) {
	data, err := protocol.EncodeParkingData(frame)
	if err != nil {
		slog.Error("encode frame", "error", err)
		return
	}

	h.broadcasts.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = data

	failed := 0
	for id, conn := range h.viewers {
		if err := conn.Send(data); err != nil {
			failed++
			h.failedSends.Add(1)
			slog.Warn("send to viewer failed", "viewerId", id, "error", err)
		}
	}
	slog.Debug("frame broadcast", "viewers", len(h.viewers), "failed", failed)
}

func (h *Hub) RequestFrame(conn domain.Connection) bool {
	if h.requester.RequestFrame() {
		slog.Debug("pull request forwarded", "viewerId", conn.ID())
		return true
	}
	slog.Warn("cannot request data, source not connected", "viewerId", conn.ID())
	return false
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return Stats{
		Viewers:     len(h.viewers),
		Broadcasts:  h.broadcasts.Load(),
		FailedSends: h.failedSends.Load(),
	}
}
