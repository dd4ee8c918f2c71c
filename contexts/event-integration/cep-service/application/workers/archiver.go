package workers

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"leafletcep/contexts/event-integration/cep-service/application"
	"leafletcep/contexts/event-integration/cep-service/application/codec"
	domainerrors "leafletcep/contexts/event-integration/cep-service/domain/errors"
	"leafletcep/contexts/event-integration/cep-service/ports"
)

// nonBlockingRead is the ports.BrokerClient.ReadTail block argument for an
// immediate tail scan: a negative duration requests no blocking at all, so
// a quiet stream never stalls the archive-then-trim-then-sleep cycle.
const nonBlockingRead = -1 * time.Millisecond

// StreamClass distinguishes mono-event input streams from the
// multi-event integrated stream for archival decoding purposes.
type StreamClass int

const (
	StreamClassMono StreamClass = iota
	StreamClassMulti
)

// TrackedStream names one broker stream the Archiver drains, and how its
// entries decode.
type TrackedStream struct {
	Name  string
	Class StreamClass
}

// Archiver durably moves every broker entry into the cold store at a fixed
// cadence, then trims retention (C7, spec §4.7).
type Archiver struct {
	Broker           ports.BrokerClient
	Store            ports.ColdStore
	Streams          []TrackedStream
	ArchivalInterval time.Duration
	RetentionTTL     time.Duration
	MaxBatch         int
	Logger           *slog.Logger

	cursors        map[string]string
	decodeFailures atomic.Int64
}

// Run loops until ctx is cancelled: archive a batch from every stream, trim
// retention, sleep, repeat. A transient storage error aborts the current
// cycle's remaining work and retries after one interval.
func (a *Archiver) Run(ctx context.Context) error {
	logger := application.ResolveLogger(a.Logger).With(
		"module", "event-integration/cep-service",
		"layer", "archiver",
	)
	if a.cursors == nil {
		a.cursors = make(map[string]string, len(a.Streams))
	}
	if a.MaxBatch <= 0 {
		a.MaxBatch = 1000
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("archiver shutting down", "event", "archiver_shutdown")
			return nil
		default:
		}

		if err := a.archiveCycle(ctx, logger); err != nil {
			logger.Error("archival cycle failed, will retry next interval",
				"event", "archiver_cycle_failed",
				"error", err.Error(),
			)
		} else {
			a.trimRetention(ctx, logger)
		}

		if !sleep(ctx, a.ArchivalInterval) {
			return nil
		}
	}
}

func (a *Archiver) archiveCycle(ctx context.Context, logger *slog.Logger) error {
	for _, stream := range a.Streams {
		if err := a.archiveStream(ctx, logger, stream); err != nil {
			return err
		}
	}
	return nil
}

func (a *Archiver) archiveStream(ctx context.Context, logger *slog.Logger, stream TrackedStream) error {
	cursor, err := a.seedCursor(ctx, stream.Name)
	if err != nil {
		return err
	}

	entries, err := a.Broker.ReadTail(ctx, []string{stream.Name}, map[string]string{stream.Name: cursor}, a.MaxBatch, nonBlockingRead)
	if err != nil {
		return err
	}

	for _, entry := range entries[stream.Name] {
		if err := a.archiveEntry(ctx, logger, stream, entry); err != nil {
			return err
		}
		a.cursors[stream.Name] = entry.ID
	}
	return nil
}

func (a *Archiver) seedCursor(ctx context.Context, streamName string) (string, error) {
	if cursor, ok := a.cursors[streamName]; ok {
		return cursor, nil
	}
	last, err := a.Store.LastArchivedMsgID(ctx, streamName)
	if err != nil {
		return "", err
	}
	a.cursors[streamName] = last
	return last, nil
}

func (a *Archiver) archiveEntry(ctx context.Context, logger *slog.Logger, stream TrackedStream, entry ports.StreamEntry) error {
	var eventID string
	var insert func(ctx context.Context, tx ports.ColdStore) error

	switch stream.Class {
	case StreamClassMono:
		fields := make(map[string]string, len(entry.Fields)+1)
		for k, v := range entry.Fields {
			fields[k] = v
		}
		fields["source_stream"] = stream.Name
		event, err := codec.DecodeMono(fields)
		if err != nil {
			a.decodeFailures.Add(1)
			logger.Error("skipping malformed mono record without checkpoint",
				"event", "archiver_malformed_record",
				"stream", stream.Name,
				"broker_message_id", entry.ID,
				"error", err.Error(),
			)
			return nil
		}
		eventID = event.EventID
		insert = func(ctx context.Context, tx ports.ColdStore) error {
			return tx.InsertMono(ctx, event)
		}
	case StreamClassMulti:
		event, err := codec.DecodeMulti(entry.Fields)
		if err != nil {
			a.decodeFailures.Add(1)
			logger.Error("skipping malformed multi record without checkpoint",
				"event", "archiver_malformed_record",
				"stream", stream.Name,
				"broker_message_id", entry.ID,
				"error", err.Error(),
			)
			return nil
		}
		eventID = event.EventID
		insert = func(ctx context.Context, tx ports.ColdStore) error {
			return tx.InsertMulti(ctx, event)
		}
	}

	now := time.Now().UTC()
	err := a.Store.WithinBatch(ctx, func(ctx context.Context, tx ports.ColdStore) error {
		if err := insert(ctx, tx); err != nil {
			return err
		}
		marked, err := tx.TryMarkArchived(ctx, stream.Name, entry.ID, eventID, now)
		if err != nil {
			return err
		}
		if !marked {
			return domainerrors.ErrAlreadyArchived
		}
		return nil
	})
	// A lost race against a concurrent archiver (R3) is expected, not a
	// failure: the insert rolled back, the entry is already durable, move on.
	if errors.Is(err, domainerrors.ErrAlreadyArchived) {
		return nil
	}
	return err
}

// DecodeFailures returns the count of archival entries skipped without a
// checkpoint due to decode failure.
func (a *Archiver) DecodeFailures() int64 { return a.decodeFailures.Load() }

func (a *Archiver) trimRetention(ctx context.Context, logger *slog.Logger) {
	cutoff := time.Now().UTC().Add(-a.RetentionTTL)
	for _, stream := range a.Streams {
		minID := minIDForCutoff(cutoff)
		if archivedCursor, ok := a.cursors[stream.Name]; ok && archivedCursor != "" {
			if compareBrokerIDs(archivedCursor, minID) < 0 {
				minID = archivedCursor
			}
		}
		if err := a.Broker.TrimMinID(ctx, stream.Name, minID); err != nil {
			logger.Warn("retention trim failed",
				"event", "archiver_trim_failed",
				"stream", stream.Name,
				"error", err.Error(),
			)
		}
	}
}

// minIDForCutoff renders a wall-clock cutoff into the millisecond-prefixed
// id format Redis Streams uses ("<unix_ms>-0"), so TrimMinID can compare it
// lexically/numerically against real stream ids.
func minIDForCutoff(cutoff time.Time) string {
	return strconv.FormatInt(cutoff.UnixMilli(), 10) + "-0"
}

// compareBrokerIDs orders two broker message ids that may be either plain
// monotone counters ("42") or Redis Streams ids ("<ms>-<seq>"), returning
// -1/0/1 like strings.Compare.
func compareBrokerIDs(a, b string) int {
	aMs, aSeq := splitBrokerID(a)
	bMs, bSeq := splitBrokerID(b)
	if aMs != bMs {
		if aMs < bMs {
			return -1
		}
		return 1
	}
	if aSeq == bSeq {
		return 0
	}
	if aSeq < bSeq {
		return -1
	}
	return 1
}

func splitBrokerID(id string) (uint64, uint64) {
	parts := strings.SplitN(id, "-", 2)
	ms, _ := strconv.ParseUint(parts[0], 10, 64)
	var seq uint64
	if len(parts) == 2 {
		seq, _ = strconv.ParseUint(parts[1], 10, 64)
	}
	return ms, seq
}
