// Package rules implements C5: the correlation rule engine — selection,
// derived-field computation and per-rule dedup (spec §4.5).
package rules

import (
	"sort"
	"time"

	"leafletcep/contexts/event-integration/cep-service/domain/entities"
	"leafletcep/contexts/event-integration/cep-service/ports"
)

// Engine evaluates a fixed set of CorrelationRules against a window of
// buffered mono events and emits MultiEvents, suppressing re-emission of
// the same rule over the same source set (spec §4.5 dedup).
type Engine struct {
	rules        []entities.CorrelationRule
	clock        ports.Clock
	ids          ports.IDGenerator
	lastEmission map[string]map[string]struct{}
}

// New builds an Engine. rules must each pass Validate; callers typically
// construct them once at startup from Config.
func New(rules []entities.CorrelationRule, clock ports.Clock, ids ports.IDGenerator) *Engine {
	return &Engine{
		rules:        rules,
		clock:        clock,
		ids:          ids,
		lastEmission: make(map[string]map[string]struct{}, len(rules)),
	}
}

// Rules returns the engine's configured rules, in order.
func (e *Engine) Rules() []entities.CorrelationRule {
	return e.rules
}

// MaxWindow returns the largest window_duration across all active rules,
// the value the sliding-window buffer prunes against.
func (e *Engine) MaxWindow() time.Duration {
	var max time.Duration
	for _, r := range e.rules {
		if r.WindowDuration > max {
			max = r.WindowDuration
		}
	}
	return max
}

// Evaluate runs every configured rule against buf and returns the
// MultiEvents newly triggered (0..len(rules) of them, at most one per
// rule per call).
func (e *Engine) Evaluate(buf interface {
	IterRecent(time.Duration) []entities.MonoEvent
}) []entities.MultiEvent {
	var emitted []entities.MultiEvent
	for _, rule := range e.rules {
		if m, ok := e.evaluateRule(rule, buf.IterRecent(rule.WindowDuration)); ok {
			emitted = append(emitted, m)
		}
	}
	return emitted
}

func (e *Engine) evaluateRule(rule entities.CorrelationRule, windowed []entities.MonoEvent) (entities.MultiEvent, bool) {
	selected, ok := selectSource(rule, windowed)
	if !ok {
		return entities.MultiEvent{}, false
	}
	if !withinWindow(selected, rule.WindowDuration) {
		return entities.MultiEvent{}, false
	}

	selectedIDs := idSet(selected)
	if last, seen := e.lastEmission[rule.Name]; seen && setsEqual(last, selectedIDs) {
		return entities.MultiEvent{}, false
	}

	multi := buildMultiEvent(rule, selected, e.ids.NewID(), e.clock.Now())
	e.lastEmission[rule.Name] = selectedIDs
	return multi, true
}

// selectSource implements the deterministic selection policy: newest per
// required type first, then newest remaining in-window candidates until
// min_events is reached.
func selectSource(rule entities.CorrelationRule, windowed []entities.MonoEvent) ([]entities.MonoEvent, bool) {
	requiredTypes := sortedTypes(rule.RequiredEventTypes)

	newestByType := make(map[entities.EventType]entities.MonoEvent, len(requiredTypes))
	found := make(map[entities.EventType]struct{}, len(requiredTypes))
	for _, ev := range windowed {
		if _, wanted := rule.RequiredEventTypes[ev.EventType]; !wanted {
			continue
		}
		current, ok := newestByType[ev.EventType]
		if !ok || newer(ev, current) {
			newestByType[ev.EventType] = ev
			found[ev.EventType] = struct{}{}
		}
	}
	if !rule.HasRequiredTypes(found) {
		return nil, false
	}

	picked := make(map[string]struct{}, rule.MinEvents)
	selected := make([]entities.MonoEvent, 0, rule.MinEvents)
	for _, t := range requiredTypes {
		ev := newestByType[t]
		selected = append(selected, ev)
		picked[ev.EventID] = struct{}{}
	}

	if len(selected) < rule.MinEvents {
		candidates := make([]entities.MonoEvent, 0, len(windowed))
		for _, ev := range windowed {
			if _, wanted := rule.RequiredEventTypes[ev.EventType]; !wanted {
				continue
			}
			if _, already := picked[ev.EventID]; already {
				continue
			}
			candidates = append(candidates, ev)
		}
		sort.Slice(candidates, func(i, j int) bool { return newer(candidates[i], candidates[j]) })
		for _, ev := range candidates {
			if len(selected) >= rule.MinEvents {
				break
			}
			selected = append(selected, ev)
			picked[ev.EventID] = struct{}{}
		}
	}

	if len(selected) < rule.MinEvents {
		return nil, false
	}
	return selected, true
}

func withinWindow(selected []entities.MonoEvent, window time.Duration) bool {
	if len(selected) == 0 {
		return false
	}
	min, max := selected[0].Timestamp, selected[0].Timestamp
	for _, ev := range selected[1:] {
		if ev.Timestamp.Before(min) {
			min = ev.Timestamp
		}
		if ev.Timestamp.After(max) {
			max = ev.Timestamp
		}
	}
	return max.Sub(min) <= window
}

func buildMultiEvent(rule entities.CorrelationRule, selected []entities.MonoEvent, eventID string, now time.Time) entities.MultiEvent {
	sourceEvents := make([]string, 0, len(selected))
	var sum float64
	lineage := make(map[string]entities.LineageEntry, len(selected))
	for _, ev := range selected {
		sourceEvents = append(sourceEvents, ev.EventID)
		sum += ev.Value
		current, ok := lineage[ev.SourceStream]
		if !ok || ev.Timestamp.After(current.Timestamp) || (ev.Timestamp.Equal(current.Timestamp) && ev.EventID > current.EventID) {
			lineage[ev.SourceStream] = entities.LineageEntry{
				EventID:   ev.EventID,
				Timestamp: ev.Timestamp,
				Value:     ev.Value,
			}
		}
	}

	confidence := float64(len(selected)) / 3.0
	if confidence > 1.0 {
		confidence = 1.0
	}

	return entities.MultiEvent{
		EventID:         eventID,
		Timestamp:       now,
		EventType:       entities.EventTypeMultiOriginated,
		SourceEvents:    sourceEvents,
		CorrelationRule: rule.Name,
		IntegratedValue: sum / float64(len(selected)),
		Confidence:      confidence,
		Lineage:         lineage,
	}
}

func newer(a, b entities.MonoEvent) bool {
	if a.Timestamp.After(b.Timestamp) {
		return true
	}
	if a.Timestamp.Before(b.Timestamp) {
		return false
	}
	return a.EventID > b.EventID
}

func sortedTypes(types map[entities.EventType]struct{}) []entities.EventType {
	out := make([]entities.EventType, 0, len(types))
	for t := range types {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func idSet(events []entities.MonoEvent) map[string]struct{} {
	out := make(map[string]struct{}, len(events))
	for _, ev := range events {
		out[ev.EventID] = struct{}{}
	}
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}
