package workers

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"leafletcep/contexts/event-integration/cep-service/adapters/memory"
	"leafletcep/contexts/event-integration/cep-service/application/codec"
	"leafletcep/contexts/event-integration/cep-service/domain/entities"
	"leafletcep/contexts/event-integration/cep-service/ports"
)

func noopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func appendMono(t *testing.T, ctx context.Context, broker *memory.Broker, stream string, e entities.MonoEvent) {
	t.Helper()
	fields, err := codec.EncodeMono(e)
	if err != nil {
		t.Fatalf("encode mono: %v", err)
	}
	if _, err := broker.Append(ctx, stream, fields); err != nil {
		t.Fatalf("append: %v", err)
	}
}

func archiverFixture() (*memory.Broker, *memory.Store, *Archiver) {
	broker := memory.NewBroker()
	store := memory.NewStore()
	a := &Archiver{
		Broker:           broker,
		Store:            store,
		Streams:          []TrackedStream{{Name: "events.sensor-a", Class: StreamClassMono}},
		ArchivalInterval: time.Minute,
		RetentionTTL:     5 * time.Minute,
		MaxBatch:         100,
	}
	return broker, store, a
}

func TestArchiverArchivesNewEntries(t *testing.T) {
	ctx := context.Background()
	broker, store, a := archiverFixture()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		appendMono(t, ctx, broker, "events.sensor-a", entities.MonoEvent{
			EventID:      "id-" + string(rune('a'+i)),
			Timestamp:    now.Add(time.Duration(i) * time.Second),
			SourceStream: "events.sensor-a",
			EventType:    entities.EventTypeA,
			Value:        float64(i),
			Metadata:     map[string]any{},
		})
	}

	if err := a.archiveCycle(ctx, noopLogger()); err != nil {
		t.Fatalf("archiveCycle: %v", err)
	}

	rows, err := store.QueryMono(ctx, ports.MonoFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 archived rows, got %d", len(rows))
	}
}

func TestArchiverIsIdempotentAcrossRepeatedCycles(t *testing.T) {
	ctx := context.Background()
	broker, store, a := archiverFixture()

	now := time.Now().UTC()
	for i := 0; i < 5; i++ {
		appendMono(t, ctx, broker, "events.sensor-a", entities.MonoEvent{
			EventID:      "id-" + string(rune('a'+i)),
			Timestamp:    now.Add(time.Duration(i) * time.Second),
			SourceStream: "events.sensor-a",
			EventType:    entities.EventTypeA,
			Value:        float64(i),
			Metadata:     map[string]any{},
		})
	}

	if err := a.archiveCycle(ctx, noopLogger()); err != nil {
		t.Fatalf("first archiveCycle: %v", err)
	}
	if err := a.archiveCycle(ctx, noopLogger()); err != nil {
		t.Fatalf("second archiveCycle: %v", err)
	}

	rows, err := store.QueryMono(ctx, ports.MonoFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 5 {
		t.Fatalf("expected 5 rows after repeated archival, got %d", len(rows))
	}
}

func TestArchiverRecoversCursorAfterRestart(t *testing.T) {
	ctx := context.Background()
	broker, store, _ := archiverFixture()

	now := time.Now().UTC()
	appendMono(t, ctx, broker, "events.sensor-a", entities.MonoEvent{
		EventID: "id-1", Timestamp: now, SourceStream: "events.sensor-a",
		EventType: entities.EventTypeA, Value: 1, Metadata: map[string]any{},
	})

	first := &Archiver{
		Broker: broker, Store: store,
		Streams:          []TrackedStream{{Name: "events.sensor-a", Class: StreamClassMono}},
		ArchivalInterval: time.Minute, RetentionTTL: 5 * time.Minute, MaxBatch: 100,
	}
	if err := first.archiveCycle(ctx, noopLogger()); err != nil {
		t.Fatalf("first archiveCycle: %v", err)
	}

	appendMono(t, ctx, broker, "events.sensor-a", entities.MonoEvent{
		EventID: "id-2", Timestamp: now.Add(time.Second), SourceStream: "events.sensor-a",
		EventType: entities.EventTypeA, Value: 2, Metadata: map[string]any{},
	})

	second := &Archiver{
		Broker: broker, Store: store,
		Streams:          []TrackedStream{{Name: "events.sensor-a", Class: StreamClassMono}},
		ArchivalInterval: time.Minute, RetentionTTL: 5 * time.Minute, MaxBatch: 100,
	}
	if err := second.archiveCycle(ctx, noopLogger()); err != nil {
		t.Fatalf("second archiveCycle: %v", err)
	}

	rows, err := store.QueryMono(ctx, ports.MonoFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows after cursor recovery, got %d", len(rows))
	}
}

func TestArchiverSkipsMalformedRecordWithoutCheckpoint(t *testing.T) {
	ctx := context.Background()
	broker, store, a := archiverFixture()

	if _, err := broker.Append(ctx, "events.sensor-a", map[string]string{"event_id": "bad"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	if err := a.archiveCycle(ctx, noopLogger()); err != nil {
		t.Fatalf("archiveCycle: %v", err)
	}
	if got := a.DecodeFailures(); got != 1 {
		t.Fatalf("expected 1 decode failure, got %d", got)
	}
	rows, err := store.QueryMono(ctx, ports.MonoFilter{}, 0, 0)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("expected no archived rows for malformed record, got %d", len(rows))
	}
}
