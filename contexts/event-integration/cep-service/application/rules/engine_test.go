package rules

import (
	"strconv"
	"testing"
	"time"

	"leafletcep/contexts/event-integration/cep-service/application/window"
	"leafletcep/contexts/event-integration/cep-service/domain/entities"
)

type manualClock struct{ now time.Time }

func (c *manualClock) Now() time.Time { return c.now }

type sequentialIDs struct{ n int }

func (s *sequentialIDs) NewID() string {
	s.n++
	return "seq-" + strconv.Itoa(s.n)
}

func mono(id string, ts time.Time, eventType entities.EventType, value float64, stream string) entities.MonoEvent {
	return entities.MonoEvent{EventID: id, Timestamp: ts, SourceStream: stream, EventType: eventType, Value: value}
}

func abRule() entities.CorrelationRule {
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

func TestSingleRuleFiring(t *testing.T) {
	clock := &manualClock{now: time.Unix(1000, 0)}
	buf := window.New(clock, 2*time.Second, 100)
	engine := New([]entities.CorrelationRule{abRule()}, clock, &sequentialIDs{})

	buf.Push(mono("id-A", clock.now, entities.EventTypeA, 10, "s1"))
	clock.now = clock.now.Add(time.Second)
	buf.Push(mono("id-B", clock.now, entities.EventTypeB, 20, "s2"))

	emitted := engine.Evaluate(buf)
	if len(emitted) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(emitted))
	}
	m := emitted[0]
	if m.IntegratedValue != 15.0 {
		t.Fatalf("expected integrated value 15.0, got %v", m.IntegratedValue)
	}
	want := 2.0 / 3.0
	if m.Confidence != want {
		t.Fatalf("expected confidence %v, got %v", want, m.Confidence)
	}
	if len(m.Lineage) != 2 {
		t.Fatalf("expected lineage size 2, got %d", len(m.Lineage))
	}
	if len(m.SourceEvents) != 2 || m.SourceEvents[0] != "id-A" || m.SourceEvents[1] != "id-B" {
		t.Fatalf("unexpected selection order: %+v", m.SourceEvents)
	}
}

func TestThreeWayConvergence(t *testing.T) {
	clock := &manualClock{now: time.Unix(2000, 0)}
	buf := window.New(clock, 2*time.Second, 100)
	rule := entities.CorrelationRule{
		Name:           "type_A_B_C_convergence",
		WindowDuration: 2 * time.Second,
		RequiredEventTypes: map[entities.EventType]struct{}{
			entities.EventTypeA: {}, entities.EventTypeB: {}, entities.EventTypeC: {},
		},
		MinEvents: 3,
	}
	engine := New([]entities.CorrelationRule{rule}, clock, &sequentialIDs{})

	buf.Push(mono("a", clock.now, entities.EventTypeA, 10, "s1"))
	clock.now = clock.now.Add(500 * time.Millisecond)
	buf.Push(mono("b", clock.now, entities.EventTypeB, 20, "s2"))
	clock.now = clock.now.Add(500 * time.Millisecond)
	buf.Push(mono("c", clock.now, entities.EventTypeC, 30, "s3"))

	emitted := engine.Evaluate(buf)
	if len(emitted) != 1 {
		t.Fatalf("expected 1 emission, got %d", len(emitted))
	}
	if emitted[0].IntegratedValue != 20.0 {
		t.Fatalf("expected integrated value 20.0, got %v", emitted[0].IntegratedValue)
	}
	if emitted[0].Confidence != 1.0 {
		t.Fatalf("expected confidence 1.0, got %v", emitted[0].Confidence)
	}
}

func TestOutOfWindowSuppression(t *testing.T) {
	clock := &manualClock{now: time.Unix(3000, 0)}
	buf := window.New(clock, 2*time.Second, 100)
	engine := New([]entities.CorrelationRule{abRule()}, clock, &sequentialIDs{})

	buf.Push(mono("a", clock.now, entities.EventTypeA, 10, "s1"))
	clock.now = clock.now.Add(3 * time.Second)
	buf.Push(mono("b", clock.now, entities.EventTypeB, 20, "s2"))

	emitted := engine.Evaluate(buf)
	if len(emitted) != 0 {
		t.Fatalf("expected no emission once A has been pruned, got %d", len(emitted))
	}
}

func TestDedupOnDuplicateTrigger(t *testing.T) {
	clock := &manualClock{now: time.Unix(4000, 0)}
	buf := window.New(clock, 2*time.Second, 100)
	engine := New([]entities.CorrelationRule{abRule()}, clock, &sequentialIDs{})

	buf.Push(mono("id-A", clock.now, entities.EventTypeA, 10, "s1"))
	clock.now = clock.now.Add(200 * time.Millisecond)
	buf.Push(mono("id-B1", clock.now, entities.EventTypeB, 20, "s2"))
	first := engine.Evaluate(buf)
	if len(first) != 1 {
		t.Fatalf("expected first emission, got %d", len(first))
	}

	second := engine.Evaluate(buf)
	if len(second) != 0 {
		t.Fatalf("expected no re-emission for identical selection, got %d", len(second))
	}

	clock.now = clock.now.Add(200 * time.Millisecond)
	buf.Push(mono("id-B2", clock.now, entities.EventTypeB, 25, "s2"))
	third := engine.Evaluate(buf)
	if len(third) != 1 {
		t.Fatalf("expected new emission once newer B supersedes selection, got %d", len(third))
	}
	if third[0].SourceEvents[1] != "id-B2" {
		t.Fatalf("expected new selection to pick newer B, got %+v", third[0].SourceEvents)
	}
}
