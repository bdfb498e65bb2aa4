package domain

import (
	"encoding/json"
	"log/slog"
)

const (
	EventParkingUpdate      = "parking_update"
	EventRequestData        = "request_data"
	EventRequestParkingData = "request_parking_data"
	EventParkingData        = "parkingData"
	EventPing               = "ping"
	EventPong               = "pong"
)

type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RawFrame is an occupancy snapshot as the source sends it. Nil fields were absent on the wire.
type RawFrame struct {
	FreeSpaces     *int     `json:"free_spaces,omitempty"`
	OccupiedSpaces *int     `json:"occupied_spaces,omitempty"`
	TotalSpaces    *int     `json:"total_spaces,omitempty"`
	Probability    *float64 `json:"probability,omitempty"`
	Timestamp      *string  `json:"timestamp,omitempty"`
}

func (f RawFrame) LogValue() slog.Value {
	var attrs []slog.Attr
	if f.FreeSpaces != nil {
		attrs = append(attrs, slog.Int("free", *f.FreeSpaces))
	}
	if f.OccupiedSpaces != nil {
		attrs = append(attrs, slog.Int("occupied", *f.OccupiedSpaces))
	}
	if f.TotalSpaces != nil {
		attrs = append(attrs, slog.Int("total", *f.TotalSpaces))
	}
	if f.Probability != nil {
		attrs = append(attrs, slog.Float64("probability", *f.Probability))
	}
	if f.Timestamp != nil {
		attrs = append(attrs, slog.String("timestamp", *f.Timestamp))
	}
	return slog.GroupValue(attrs...)
}

type CanonicalFrame struct {
	FreeSpaces     *int     `json:"freeSpaces,omitempty"`
	OccupiedSpaces *int     `json:"occupiedSpaces,omitempty"`
	Probability    *float64 `json:"probability,omitempty"`
	TotalSpaces    *int     `json:"totalSpaces,omitempty"`
	Timestamp      *string  `json:"timestamp,omitempty"`
}

type LinkState int

const (
	Disconnected LinkState = iota
	Connecting
	Connected
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

type Status struct {
	Connected         bool   `json:"connected"`
	ReconnectAttempts int    `json:"reconnectAttempts"`
	SourceURL         string `json:"sourceUrl"`
}

// Connection is one downstream viewer. Its lifecycle belongs to the transport.
type Connection interface {
	ID() string
	Send(data []byte) error
	Close() error
}

type Broadcaster interface {
	Register(conn Connection)
	Unregister(conn Connection)
	Broadcast(frame CanonicalFrame)
}

type FrameRequester interface {
	RequestFrame() bool
}

type MessageHandler interface {
	Handle(conn Connection, data []byte)
}
