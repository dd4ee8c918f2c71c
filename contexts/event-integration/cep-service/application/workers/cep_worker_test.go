package workers

import (
	"context"
	"testing"
	"time"

	"leafletcep/contexts/event-integration/cep-service/adapters/memory"
	"leafletcep/contexts/event-integration/cep-service/application/codec"
	"leafletcep/contexts/event-integration/cep-service/application/rules"
	"leafletcep/contexts/event-integration/cep-service/application/window"
	"leafletcep/contexts/event-integration/cep-service/domain/entities"
)

type fixedClock struct{ now time.Time }

func (c *fixedClock) Now() time.Time { return c.now }

func abRuleForWorker() entities.CorrelationRule {
	return entities.CorrelationRule{
		Name:           "type_A_and_B_within_window",
		WindowDuration: 2 * time.Second,
		RequiredEventTypes: map[entities.EventType]struct{}{
			entities.EventTypeA: {},
			entities.EventTypeB: {},
		},
		MinEvents: 2,
	}
}

func newWorkerFixture() (*memory.Broker, *CEPWorker, *fixedClock) {
	broker := memory.NewBroker()
	clock := &fixedClock{now: time.Unix(5000, 0)}
	buf := window.New(clock, 2*time.Second, 100)
	engine := rules.New([]entities.CorrelationRule{abRuleForWorker()}, clock, memory.UUIDGenerator{})

	w := &CEPWorker{
		Broker:           broker,
		Buffer:           buf,
		Engine:           engine,
		InputStreams:     []string{"events.sensor-a", "events.sensor-b"},
		IntegratedStream: "events.integrated",
		Group:            "cep-workers",
		Consumer:         "worker-1",
		BatchSize:        10,
		BlockDuration:    0,
	}
	return broker, w, clock
}

func TestProcessEntryEmitsOneMultiEventForCorrelatedPair(t *testing.T) {
	ctx := context.Background()
	broker, w, clock := newWorkerFixture()

	for _, stream := range w.InputStreams {
		if err := broker.EnsureGroup(ctx, stream, w.Group); err != nil {
			t.Fatalf("ensure group: %v", err)
		}
	}

	appendAndProcess := func(stream string, e entities.MonoEvent) {
		fields, err := codec.EncodeMono(e)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		if _, err := broker.Append(ctx, stream, fields); err != nil {
			t.Fatalf("append: %v", err)
		}
		batches, err := broker.ReadGroup(ctx, []string{stream}, w.Group, w.Consumer, 10, 0)
		if err != nil {
			t.Fatalf("read group: %v", err)
		}
		for _, entry := range batches[stream] {
			if err := w.processEntry(ctx, noopLogger(), stream, entry); err != nil {
				t.Fatalf("process entry: %v", err)
			}
		}
	}

	appendAndProcess("events.sensor-a", entities.MonoEvent{
		EventID: "id-A", Timestamp: clock.now, SourceStream: "events.sensor-a",
		EventType: entities.EventTypeA, Value: 10, Metadata: map[string]any{},
	})
	clock.now = clock.now.Add(time.Second)
	appendAndProcess("events.sensor-b", entities.MonoEvent{
		EventID: "id-B", Timestamp: clock.now, SourceStream: "events.sensor-b",
		EventType: entities.EventTypeB, Value: 20, Metadata: map[string]any{},
	})

	length, err := broker.Length(ctx, w.IntegratedStream)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected exactly 1 integrated emission, got %d", length)
	}
	if w.PoisonCount() != 0 {
		t.Fatalf("expected no poison events, got %d", w.PoisonCount())
	}
}

func TestProcessEntryDropsMalformedRecordAndAcks(t *testing.T) {
	ctx := context.Background()
	broker, w, _ := newWorkerFixture()

	if err := broker.EnsureGroup(ctx, "events.sensor-a", w.Group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if _, err := broker.Append(ctx, "events.sensor-a", map[string]string{"event_id": "bad"}); err != nil {
		t.Fatalf("append: %v", err)
	}

	batches, err := broker.ReadGroup(ctx, []string{"events.sensor-a"}, w.Group, w.Consumer, 10, 0)
	if err != nil {
		t.Fatalf("read group: %v", err)
	}
	for _, entry := range batches["events.sensor-a"] {
		if err := w.processEntry(ctx, noopLogger(), "events.sensor-a", entry); err != nil {
			t.Fatalf("process entry: %v", err)
		}
	}

	if w.PoisonCount() != 1 {
		t.Fatalf("expected 1 poison event, got %d", w.PoisonCount())
	}
	if w.Buffer.Len() != 0 {
		t.Fatalf("malformed record must never reach the window buffer, got len %d", w.Buffer.Len())
	}
}

// TestRedeliveryAfterCrashDoesNotDoubleEmit simulates a crash between append
// and ack: the triggering entry is redelivered (never acked) and reprocessed.
// The rule engine's dedup-on-identical-selection behavior must suppress the
// second emission, leaving exactly one durable multi event.
func TestRedeliveryAfterCrashDoesNotDoubleEmit(t *testing.T) {
	ctx := context.Background()
	broker, w, clock := newWorkerFixture()

	for _, stream := range w.InputStreams {
		if err := broker.EnsureGroup(ctx, stream, w.Group); err != nil {
			t.Fatalf("ensure group: %v", err)
		}
	}

	fieldsA, _ := codec.EncodeMono(entities.MonoEvent{
		EventID: "id-A", Timestamp: clock.now, SourceStream: "events.sensor-a",
		EventType: entities.EventTypeA, Value: 10, Metadata: map[string]any{},
	})
	if _, err := broker.Append(ctx, "events.sensor-a", fieldsA); err != nil {
		t.Fatalf("append a: %v", err)
	}
	batchesA, err := broker.ReadGroup(ctx, []string{"events.sensor-a"}, w.Group, w.Consumer, 10, 0)
	if err != nil {
		t.Fatalf("read group a: %v", err)
	}
	if err := w.processEntry(ctx, noopLogger(), "events.sensor-a", batchesA["events.sensor-a"][0]); err != nil {
		t.Fatalf("process a: %v", err)
	}

	clock.now = clock.now.Add(time.Second)
	fieldsB, _ := codec.EncodeMono(entities.MonoEvent{
		EventID: "id-B", Timestamp: clock.now, SourceStream: "events.sensor-b",
		EventType: entities.EventTypeB, Value: 20, Metadata: map[string]any{},
	})
	if _, err := broker.Append(ctx, "events.sensor-b", fieldsB); err != nil {
		t.Fatalf("append b: %v", err)
	}
	batchesB, err := broker.ReadGroup(ctx, []string{"events.sensor-b"}, w.Group, w.Consumer, 10, 0)
	if err != nil {
		t.Fatalf("read group b: %v", err)
	}
	triggeringEntry := batchesB["events.sensor-b"][0]

	if err := w.processEntry(ctx, noopLogger(), "events.sensor-b", triggeringEntry); err != nil {
		t.Fatalf("process b (first delivery): %v", err)
	}
	if err := w.processEntry(ctx, noopLogger(), "events.sensor-b", triggeringEntry); err != nil {
		t.Fatalf("process b (redelivery): %v", err)
	}

	length, err := broker.Length(ctx, w.IntegratedStream)
	if err != nil {
		t.Fatalf("length: %v", err)
	}
	if length != 1 {
		t.Fatalf("expected exactly 1 durable emission despite redelivery, got %d", length)
	}
}
