package protocol

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"

	"spoton-relay/domain"
)

func Normalize(raw domain.RawFrame) domain.CanonicalFrame {
	return domain.CanonicalFrame{
		FreeSpaces:     raw.FreeSpaces,
		OccupiedSpaces: raw.OccupiedSpaces,
		Probability:    raw.Probability,
		TotalSpaces:    raw.TotalSpaces,
		Timestamp:      raw.Timestamp,
	}
}

// DecodeRawFrame parses a parking_update payload. Missing keys are not an
// error, and a field with an unusable value is treated as missing.
func DecodeRawFrame(data json.RawMessage) (domain.RawFrame, error) {
	var raw domain.RawFrame
	if len(data) == 0 {
		return raw, fmt.Errorf("empty %s payload", domain.EventParkingUpdate)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return raw, fmt.Errorf("decode %s: %w", domain.EventParkingUpdate, err)
	}
	if fields == nil {
		return raw, fmt.Errorf("decode %s: payload is null", domain.EventParkingUpdate)
	}

	raw.FreeSpaces = decodeInt(fields, "free_spaces")
	raw.OccupiedSpaces = decodeInt(fields, "occupied_spaces")
	raw.TotalSpaces = decodeInt(fields, "total_spaces")
	raw.Probability = decodeFloat(fields, "probability")
	raw.Timestamp = decodeString(fields, "timestamp")
	return raw, nil
}

// decodeInt accepts whole numbers written with a fraction, like 5.0.
func decodeInt(fields map[string]json.RawMessage, key string) *int {
	f := decodeFloat(fields, key)
	if f == nil || *f != math.Trunc(*f) || math.Abs(*f) > math.MaxInt32 {
		if f != nil {
			slog.Debug("ignoring frame field", "field", key, "value", *f)
		}
		return nil
	}
	n := int(*f)
	return &n
}

func decodeFloat(fields map[string]json.RawMessage, key string) *float64 {
	v, ok := fields[key]
	if !ok || string(v) == "null" {
		return nil
	}
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		slog.Debug("ignoring frame field", "field", key, "error", err)
		return nil
	}
	return &f
}

// decodeString keeps numeric timestamps as their literal text.
func decodeString(fields map[string]json.RawMessage, key string) *string {
	v, ok := fields[key]
	if !ok || string(v) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		return &s
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil && n != "" {
		s = n.String()
		return &s
	}
	slog.Debug("ignoring frame field", "field", key, "value", string(v))
	return nil
}

func EncodeParkingData(frame domain.CanonicalFrame) ([]byte, error) {
	return encode(domain.EventParkingData, frame)
}

func encode(event string, payload any) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", event, err)
	}
	return json.Marshal(domain.Envelope{Event: event, Data: body})
}
