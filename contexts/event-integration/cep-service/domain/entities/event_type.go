package entities

// EventType is the closed-but-additive tag set for mono events, plus the
// fixed tag used by every multi event.
type EventType string

const (
	EventTypeA EventType = "A"
	EventTypeB EventType = "B"
	EventTypeC EventType = "C"

	EventTypeMultiOriginated EventType = "MULTI_ORIGINATED"
)
