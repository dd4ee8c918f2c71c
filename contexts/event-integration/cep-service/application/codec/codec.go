// Package codec implements C1: the Event Model's wire encoding between
// MonoEvent/MultiEvent and the string-map form the broker stores per entry
// (spec §4.1, §6).
package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"leafletcep/contexts/event-integration/cep-service/domain/entities"
	domainerrors "leafletcep/contexts/event-integration/cep-service/domain/errors"
)

const timeLayout = time.RFC3339Nano

// EncodeMono converts a MonoEvent to its broker wire form.
func EncodeMono(e entities.MonoEvent) (map[string]string, error) {
	metadataJSON, err := json.Marshal(sanitizeMetadata(e.Metadata))
	if err != nil {
		return nil, fmt.Errorf("%w: encode metadata: %v", domainerrors.ErrMalformedRecord, err)
	}
	return map[string]string{
		"event_id":      e.EventID,
		"timestamp":     e.Timestamp.Format(timeLayout),
		"source_stream": e.SourceStream,
		"event_type":    string(e.EventType),
		"value":         strconv.FormatFloat(e.Value, 'g', -1, 64),
		"metadata":      string(metadataJSON),
	}, nil
}

// DecodeMono parses a broker entry's string-map fields into a MonoEvent.
// It fails with ErrMalformedRecord on any missing required field, bad numeric
// parse, bad timestamp, or invalid JSON. A missing metadata field decodes to
// an empty map.
func DecodeMono(fields map[string]string) (entities.MonoEvent, error) {
	eventID, err := requireField(fields, "event_id")
	if err != nil {
		return entities.MonoEvent{}, err
	}
	ts, err := parseTimestamp(fields)
	if err != nil {
		return entities.MonoEvent{}, err
	}
	sourceStream, err := requireField(fields, "source_stream")
	if err != nil {
		return entities.MonoEvent{}, err
	}
	eventType, err := requireField(fields, "event_type")
	if err != nil {
		return entities.MonoEvent{}, err
	}
	valueStr, err := requireField(fields, "value")
	if err != nil {
		return entities.MonoEvent{}, err
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return entities.MonoEvent{}, fmt.Errorf("%w: bad value %q: %v", domainerrors.ErrMalformedRecord, valueStr, err)
	}
	metadata, err := parseMetadata(fields["metadata"])
	if err != nil {
		return entities.MonoEvent{}, err
	}

	event := entities.MonoEvent{
		EventID:      eventID,
		Timestamp:    ts,
		SourceStream: sourceStream,
		EventType:    entities.EventType(eventType),
		Value:        value,
		Metadata:     metadata,
	}
	if !event.Validate() {
		return entities.MonoEvent{}, fmt.Errorf("%w: mono event failed validation", domainerrors.ErrMalformedRecord)
	}
	return event, nil
}

// EncodeMulti converts a MultiEvent to its broker wire form.
func EncodeMulti(e entities.MultiEvent) (map[string]string, error) {
	lineageJSON, err := json.Marshal(encodeLineage(e.Lineage))
	if err != nil {
		return nil, fmt.Errorf("%w: encode lineage: %v", domainerrors.ErrMalformedRecord, err)
	}
	return map[string]string{
		"event_id":         e.EventID,
		"timestamp":        e.Timestamp.Format(timeLayout),
		"event_type":       string(entities.EventTypeMultiOriginated),
		"source_events":    strings.Join(e.SourceEvents, ","),
		"correlation_rule": e.CorrelationRule,
		"integrated_value": strconv.FormatFloat(e.IntegratedValue, 'g', -1, 64),
		"confidence":       strconv.FormatFloat(e.Confidence, 'g', -1, 64),
		"lineage":          string(lineageJSON),
	}, nil
}

// DecodeMulti parses a broker entry's string-map fields into a MultiEvent.
func DecodeMulti(fields map[string]string) (entities.MultiEvent, error) {
	eventID, err := requireField(fields, "event_id")
	if err != nil {
		return entities.MultiEvent{}, err
	}
	ts, err := parseTimestamp(fields)
	if err != nil {
		return entities.MultiEvent{}, err
	}
	sourceEventsStr, err := requireField(fields, "source_events")
	if err != nil {
		return entities.MultiEvent{}, err
	}
	correlationRule, err := requireField(fields, "correlation_rule")
	if err != nil {
		return entities.MultiEvent{}, err
	}
	integratedValueStr, err := requireField(fields, "integrated_value")
	if err != nil {
		return entities.MultiEvent{}, err
	}
	integratedValue, err := strconv.ParseFloat(integratedValueStr, 64)
	if err != nil {
		return entities.MultiEvent{}, fmt.Errorf("%w: bad integrated_value %q: %v", domainerrors.ErrMalformedRecord, integratedValueStr, err)
	}
	confidenceStr, err := requireField(fields, "confidence")
	if err != nil {
		return entities.MultiEvent{}, err
	}
	confidence, err := strconv.ParseFloat(confidenceStr, 64)
	if err != nil {
		return entities.MultiEvent{}, fmt.Errorf("%w: bad confidence %q: %v", domainerrors.ErrMalformedRecord, confidenceStr, err)
	}
	lineage, err := parseLineage(fields["lineage"])
	if err != nil {
		return entities.MultiEvent{}, err
	}

	sourceEvents := strings.Split(sourceEventsStr, ",")
	for i, id := range sourceEvents {
		sourceEvents[i] = strings.TrimSpace(id)
	}

	event := entities.MultiEvent{
		EventID:         eventID,
		Timestamp:       ts,
		EventType:       entities.EventTypeMultiOriginated,
		SourceEvents:    sourceEvents,
		CorrelationRule: correlationRule,
		IntegratedValue: integratedValue,
		Confidence:      confidence,
		Lineage:         lineage,
	}
	if !event.Validate() {
		return entities.MultiEvent{}, fmt.Errorf("%w: multi event failed validation", domainerrors.ErrMalformedRecord)
	}
	return event, nil
}

func requireField(fields map[string]string, key string) (string, error) {
	v, ok := fields[key]
	if !ok || v == "" {
		return "", fmt.Errorf("%w: missing field %q", domainerrors.ErrMalformedRecord, key)
	}
	return v, nil
}

func parseTimestamp(fields map[string]string) (time.Time, error) {
	raw, err := requireField(fields, "timestamp")
	if err != nil {
		return time.Time{}, err
	}
	ts, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad timestamp %q: %v", domainerrors.ErrMalformedRecord, raw, err)
	}
	return ts, nil
}

// sanitizeMetadata copies metadata into a fresh map for JSON encoding; values
// are not converted here. Numbers are narrowed to int64/float64 on decode by
// normalizeScalarMap.
func sanitizeMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}

func parseMetadata(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var mixed map[string]any
	if err := json.Unmarshal([]byte(raw), &mixed); err != nil {
		return nil, fmt.Errorf("%w: bad metadata JSON: %v", domainerrors.ErrMalformedRecord, err)
	}
	return normalizeScalarMap(mixed)
}

func normalizeScalarMap(raw map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		switch value := v.(type) {
		case string:
			out[k] = value
		case float64:
			if value == float64(int64(value)) {
				out[k] = int64(value)
			} else {
				out[k] = value
			}
		default:
			return nil, fmt.Errorf("%w: metadata value for %q is not a scalar", domainerrors.ErrMalformedRecord, k)
		}
	}
	return out, nil
}

func encodeLineage(lineage map[string]entities.LineageEntry) map[string]map[string]any {
	out := make(map[string]map[string]any, len(lineage))
	for stream, entry := range lineage {
		out[stream] = map[string]any{
			"event_id":  entry.EventID,
			"timestamp": entry.Timestamp.Format(timeLayout),
			"value":     entry.Value,
		}
	}
	return out
}

func parseLineage(raw string) (map[string]entities.LineageEntry, error) {
	if raw == "" {
		return nil, fmt.Errorf("%w: missing field %q", domainerrors.ErrMalformedRecord, "lineage")
	}
	var parsed map[string]map[string]any
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		return nil, fmt.Errorf("%w: bad lineage JSON: %v", domainerrors.ErrMalformedRecord, err)
	}
	out := make(map[string]entities.LineageEntry, len(parsed))
	for stream, fields := range parsed {
		eventID, _ := fields["event_id"].(string)
		tsRaw, _ := fields["timestamp"].(string)
		valueRaw, ok := fields["value"].(float64)
		if eventID == "" || tsRaw == "" || !ok {
			return nil, fmt.Errorf("%w: malformed lineage entry for stream %q", domainerrors.ErrMalformedRecord, stream)
		}
		ts, err := time.Parse(timeLayout, tsRaw)
		if err != nil {
			return nil, fmt.Errorf("%w: bad lineage timestamp %q: %v", domainerrors.ErrMalformedRecord, tsRaw, err)
		}
		out[stream] = entities.LineageEntry{
			EventID:   eventID,
			Timestamp: ts,
			Value:     valueRaw,
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: empty lineage", domainerrors.ErrMalformedRecord)
	}
	return out, nil
}
