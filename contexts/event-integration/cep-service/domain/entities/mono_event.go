package entities

import (
	"math"
	"strings"
	"time"
)

// MonoEvent is a single-origin record from one upstream producer stream.
//
// Metadata values are restricted to string, int64 or float64 so that they
// round-trip losslessly through the broker's string-map wire form (see
// codec.EncodeMono).
type MonoEvent struct {
	EventID      string
	Timestamp    time.Time
	SourceStream string
	EventType    EventType
	Value        float64
	Metadata     map[string]any
}

// Validate enforces the data-model constraints that construction must never
// violate: non-empty event id and stream, known type, finite value, and
// scalar metadata values. Event id uniqueness is not checked here.
func (e MonoEvent) Validate() bool {
	if strings.TrimSpace(e.EventID) == "" {
		return false
	}
	if strings.TrimSpace(e.SourceStream) == "" {
		return false
	}
	switch e.EventType {
	case EventTypeA, EventTypeB, EventTypeC:
	default:
		return false
	}
	if math.IsNaN(e.Value) || math.IsInf(e.Value, 0) {
		return false
	}
	for _, v := range e.Metadata {
		switch v.(type) {
		case string, int64, float64:
		default:
			return false
		}
	}
	return true
}
