package main

import (
	"fmt"
	"strconv"

	"spoton-relay/domain"
)

// Change is one field that differs between consecutive frames.
type Change struct {
	Field string
	From  string
	To    string
}

func (c Change) String() string {
	return fmt.Sprintf("%s: %s -> %s", c.Field, c.From, c.To)
}

// Diff lists the occupancy fields that changed from prev to next. Timestamps
// are ignored since they change on every frame.
func Diff(prev, next domain.RawFrame) []Change {
	var changes []Change
	if c, ok := diffInt("free", prev.FreeSpaces, next.FreeSpaces); ok {
		changes = append(changes, c)
	}
	if c, ok := diffInt("occupied", prev.OccupiedSpaces, next.OccupiedSpaces); ok {
		changes = append(changes, c)
	}
	if c, ok := diffInt("total", prev.TotalSpaces, next.TotalSpaces); ok {
		changes = append(changes, c)
	}
	if c, ok := diffFloat("probability", prev.Probability, next.Probability); ok {
		changes = append(changes, c)
	}
	return changes
}

func diffInt(field string, a, b *int) (Change, bool) {
	from, to := formatInt(a), formatInt(b)
	return Change{Field: field, From: from, To: to}, from != to
}

func diffFloat(field string, a, b *float64) (Change, bool) {
	from, to := formatFloat(a), formatFloat(b)
	return Change{Field: field, From: from, To: to}, from != to
}

func formatInt(v *int) string {
	if v == nil {
		return "-"
	}
	return strconv.Itoa(*v)
}

func formatFloat(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64) + "%"
}
