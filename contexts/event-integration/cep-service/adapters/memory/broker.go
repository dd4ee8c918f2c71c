// Package memory provides in-memory fakes for ports.BrokerClient and
// ports.ColdStore so application-layer use cases (and their tests) never
// need a live Redis/Postgres connection, mirroring the teacher's
// adapters/memory/store.go convention.
package memory

import (
	"context"
	"strconv"
	"sync"
	"time"

	"leafletcep/contexts/event-integration/cep-service/ports"
)

type streamEntry struct {
	id     uint64
	fields map[string]string
}

// Broker is an in-memory, single-process stand-in for a Redis Streams
// broker. It implements ports.BrokerClient with the same per-stream
// monotone-id and consumer-group semantics, without any network I/O.
type Broker struct {
	mu       sync.Mutex
	streams  map[string][]streamEntry
	nextID   map[string]uint64
	groups   map[string]map[string]struct{}  // stream -> group -> exists
	pending  map[string]map[string]uint64    // group -> stream -> id of the last delivered entry
}

func NewBroker() *Broker {
	return &Broker{
		streams: make(map[string][]streamEntry),
		nextID:  make(map[string]uint64),
		groups:  make(map[string]map[string]struct{}),
		pending: make(map[string]map[string]uint64),
	}
}

func (b *Broker) Append(_ context.Context, stream string, fields map[string]string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID[stream]++
	id := b.nextID[stream]
	b.streams[stream] = append(b.streams[stream], streamEntry{id: id, fields: fields})
	return strconv.FormatUint(id, 10), nil
}

func (b *Broker) EnsureGroup(_ context.Context, stream, group string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.streams[stream]; !ok {
		b.streams[stream] = nil
	}
	if b.groups[stream] == nil {
		b.groups[stream] = make(map[string]struct{})
	}
	b.groups[stream][group] = struct{}{}
	if b.pending[group] == nil {
		b.pending[group] = make(map[string]uint64)
	}
	if _, ok := b.pending[group][stream]; !ok {
		b.pending[group][stream] = 0
	}
	return nil
}

func (b *Broker) ReadGroup(_ context.Context, streams []string, group, _ string, max int, _ time.Duration) (map[string][]ports.StreamEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]ports.StreamEntry)
	for _, stream := range streams {
		last := b.pending[group][stream]
		var batch []ports.StreamEntry
		for _, e := range b.streams[stream] {
			if e.id <= last {
				continue
			}
			if len(batch) >= max {
				break
			}
			batch = append(batch, ports.StreamEntry{ID: strconv.FormatUint(e.id, 10), Fields: e.fields})
			last = e.id
		}
		if len(batch) > 0 {
			b.pending[group][stream] = last
			out[stream] = batch
		}
	}
	return out, nil
}

func (b *Broker) Ack(_ context.Context, _, _ string, _ []string) error {
	return nil
}

func (b *Broker) ReadTail(_ context.Context, streams []string, positions map[string]string, max int, _ time.Duration) (map[string][]ports.StreamEntry, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]ports.StreamEntry)
	for _, stream := range streams {
		after, _ := strconv.ParseUint(positions[stream], 10, 64)
		entries := b.streams[stream]
		var batch []ports.StreamEntry
		for _, e := range entries {
			if e.id <= after {
				continue
			}
			batch = append(batch, ports.StreamEntry{ID: strconv.FormatUint(e.id, 10), Fields: e.fields})
			if len(batch) >= max {
				break
			}
		}
		if len(batch) > 0 {
			out[stream] = batch
		}
	}
	return out, nil
}

func (b *Broker) TrimMinID(_ context.Context, stream, minID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	min, err := strconv.ParseUint(minID, 10, 64)
	if err != nil {
		return nil
	}
	entries := b.streams[stream]
	kept := entries[:0]
	for _, e := range entries {
		if e.id >= min {
			kept = append(kept, e)
		}
	}
	b.streams[stream] = kept
	return nil
}

func (b *Broker) Length(_ context.Context, stream string) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.streams[stream])), nil
}
