// Package ports defines the adapter surfaces the cep-service application
// layer depends on: the broker client (C2), the cold store (C3), and the
// small infra seams (clock, id generation) that keep use cases testable
// against in-memory fakes.
package ports

import (
	"context"
	"time"

	"leafletcep/contexts/event-integration/cep-service/domain/entities"
)

// StreamEntry is one broker-assigned entry: an opaque, per-stream monotone
// id and its string-map fields.
type StreamEntry struct {
	ID     string
	Fields map[string]string
}

// BrokerClient is the minimal abstract surface the core needs over the
// append-only stream broker (spec §4.2). Implementations MUST classify
// every underlying failure into one of domain/errors' Transient /
// Permanent kinds before it reaches the caller.
type BrokerClient interface {
	// Append appends fields to stream and returns the broker-assigned,
	// per-stream monotone message id.
	Append(ctx context.Context, stream string, fields map[string]string) (string, error)

	// EnsureGroup creates stream and group if absent. Idempotent: an
	// "already exists" condition from the broker is absorbed, not
	// returned.
	EnsureGroup(ctx context.Context, stream, group string) error

	// ReadGroup reads up to max new (">") entries per stream for the given
	// consumer group/consumer, blocking up to block. Returns an empty
	// result, not an error, on timeout.
	ReadGroup(ctx context.Context, streams []string, group, consumer string, max int, block time.Duration) (map[string][]StreamEntry, error)

	// Ack marks pending entries delivered for group.
	Ack(ctx context.Context, stream, group string, ids []string) error

	// ReadTail reads non-group entries starting at positions (per-stream
	// last-seen id, "0" for the beginning), for archival and live-tail use.
	// block < 0 requests an immediate, non-blocking read; block == 0 blocks
	// indefinitely until new data arrives; block > 0 blocks up to that
	// duration. Archival scans must pass a negative block so a quiet
	// stream never stalls the archive-then-trim-then-sleep cycle.
	ReadTail(ctx context.Context, streams []string, positions map[string]string, max int, block time.Duration) (map[string][]StreamEntry, error)

	// TrimMinID deletes entries with id < minID. No-op on a missing
	// stream.
	TrimMinID(ctx context.Context, stream, minID string) error

	// Length returns an approximate stream size.
	Length(ctx context.Context, stream string) (int64, error)
}

// MonoFilter narrows a cold-store mono query.
type MonoFilter struct {
	SourceStream string
	EventType    entities.EventType
	Since        time.Time
	Until        time.Time
}

// MultiFilter narrows a cold-store multi query.
type MultiFilter struct {
	CorrelationRule string
	MinConfidence   float64
	Since           time.Time
	Until           time.Time
}

// ColdStore is the durable, indexed, idempotent store the Archiver drains
// into (spec §4.3). InsertMono/InsertMulti are idempotent on EventID (PK);
// TryMarkArchived is idempotent on (stream, broker message id) (I5).
type ColdStore interface {
	InsertMono(ctx context.Context, event entities.MonoEvent) error
	InsertMulti(ctx context.Context, event entities.MultiEvent) error

	// TryMarkArchived returns true iff this (stream, msgID) pair was newly
	// recorded; false if another archiver already claimed it (benign
	// collision, not an error).
	TryMarkArchived(ctx context.Context, stream, msgID, eventID string, archivedAt time.Time) (bool, error)

	// LastArchivedMsgID returns the highest broker message id already
	// checkpointed for stream, or "" if none, used to seed the archival
	// cursor on startup.
	LastArchivedMsgID(ctx context.Context, stream string) (string, error)

	QueryMono(ctx context.Context, filter MonoFilter, limit, offset int) ([]entities.MonoEvent, error)
	QueryMulti(ctx context.Context, filter MultiFilter, limit, offset int) ([]entities.MultiEvent, error)

	// WithinBatch runs fn inside one transactional unit: every insert and
	// checkpoint committed by fn commits together, or none do.
	WithinBatch(ctx context.Context, fn func(ctx context.Context, tx ColdStore) error) error
}

// Clock abstracts wall-clock reads so rule evaluation and pruning are
// deterministic in tests.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces globally unique event ids (I1).
type IDGenerator interface {
	NewID() string
}
