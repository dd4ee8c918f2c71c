package entities

import "time"

// ArchivalCheckpoint records that a single (stream, broker message id) pair
// has been durably archived into the cold store (I5).
type ArchivalCheckpoint struct {
	StreamName      string
	BrokerMessageID string
	ArchivedAt      time.Time
	EventID         string
}
