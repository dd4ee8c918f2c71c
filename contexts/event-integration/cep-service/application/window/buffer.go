// Package window implements C4: the bounded, per-worker sliding-window
// buffer of mono events (spec §4.4).
package window

import (
	"sync"
	"time"

	"leafletcep/contexts/event-integration/cep-service/domain/entities"
	"leafletcep/contexts/event-integration/cep-service/ports"
)

// Buffer is a bounded sequence of MonoEvents ordered by arrival, not
// necessarily by timestamp. It is owned by a single CEP worker; if the
// design later partitions workers, each must construct its own Buffer.
type Buffer struct {
	mu        sync.Mutex
	clock     ports.Clock
	maxWindow time.Duration
	sizeCap   int
	events    []entities.MonoEvent
}

// New builds a buffer pruning anything older than maxWindow (the largest
// window_duration across active rules) and capped at sizeCap entries.
func New(clock ports.Clock, maxWindow time.Duration, sizeCap int) *Buffer {
	if sizeCap <= 0 {
		sizeCap = 100
	}
	return &Buffer{
		clock:     clock,
		maxWindow: maxWindow,
		sizeCap:   sizeCap,
		events:    make([]entities.MonoEvent, 0, sizeCap),
	}
}

// Push appends e at the tail, evicts the oldest-by-arrival entry on
// overflow, then prunes from the head while head.Timestamp is outside
// maxWindow. A lock guards concurrent access for tests and diagnostics,
// but the design assumes a single owning goroutine in steady state.
func (b *Buffer) Push(e entities.MonoEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events = append(b.events, e)
	if len(b.events) > b.sizeCap {
		overflow := len(b.events) - b.sizeCap
		b.events = b.events[overflow:]
	}
	b.pruneLocked()
}

func (b *Buffer) pruneLocked() {
	cutoff := b.clock.Now().Add(-b.maxWindow)
	i := 0
	for i < len(b.events) && b.events[i].Timestamp.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.events = b.events[i:]
	}
}

// IterRecent returns a snapshot of buffered events whose timestamp is
// within window of now, in arrival order.
func (b *Buffer) IterRecent(window time.Duration) []entities.MonoEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.clock.Now().Add(-window)
	out := make([]entities.MonoEvent, 0, len(b.events))
	for _, e := range b.events {
		if !e.Timestamp.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the current buffer occupancy.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}
