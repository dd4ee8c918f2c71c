// Package workers implements C6 (the CEP worker consumer-group loop) and
// C7 (the Archiver) from spec §4.6–§4.7.
package workers

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"leafletcep/contexts/event-integration/cep-service/application"
	"leafletcep/contexts/event-integration/cep-service/application/codec"
	"leafletcep/contexts/event-integration/cep-service/application/rules"
	"leafletcep/contexts/event-integration/cep-service/application/window"
	domainerrors "leafletcep/contexts/event-integration/cep-service/domain/errors"
	"leafletcep/contexts/event-integration/cep-service/ports"
)

const (
	backoffBase = 100 * time.Millisecond
	backoffCap  = 5 * time.Second
)

// CEPWorker is a single-consumer loop over one or more input streams: read
// via consumer group, feed the window buffer, evaluate rules, emit, ack
// (spec §4.6).
type CEPWorker struct {
	Broker           ports.BrokerClient
	Buffer           *window.Buffer
	Engine           *rules.Engine
	InputStreams     []string
	IntegratedStream string
	Group            string
	Consumer         string
	BatchSize        int
	BlockDuration    time.Duration
	Logger           *slog.Logger

	poisonCount atomic.Int64
}

// PoisonCount returns the number of decode failures dropped so far.
func (w *CEPWorker) PoisonCount() int64 { return w.poisonCount.Load() }

// Run blocks until ctx is cancelled or an unrecoverable error occurs. It
// never loses the in-memory window buffer across transient-error retries.
func (w *CEPWorker) Run(ctx context.Context) error {
	logger := application.ResolveLogger(w.Logger).With(
		"module", "event-integration/cep-service",
		"layer", "worker",
		"consumer", w.Consumer,
	)

	for _, stream := range w.InputStreams {
		if err := w.ensureGroupWithRetry(ctx, stream); err != nil {
			return err
		}
	}

	readBackoff := newBackoff(backoffBase, backoffCap)
	for {
		select {
		case <-ctx.Done():
			logger.Info("cep worker shutting down", "event", "cep_worker_shutdown")
			return nil
		default:
		}

		batches, err := w.Broker.ReadGroup(ctx, w.InputStreams, w.Group, w.Consumer, w.BatchSize, w.BlockDuration)
		if err != nil {
			if errors.Is(err, domainerrors.ErrTransient) {
				logger.Warn("transient broker read failure, backing off",
					"event", "cep_worker_read_group_transient",
					"error", err.Error(),
				)
				if !sleep(ctx, readBackoff.Next()) {
					return nil
				}
				continue
			}
			return err
		}
		readBackoff.Reset()

		if len(batches) == 0 {
			continue
		}

		for _, stream := range sortedStreamNames(batches) {
			for _, entry := range batches[stream] {
				if err := w.processEntry(ctx, logger, stream, entry); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return err
				}
			}
		}
	}
}

func (w *CEPWorker) processEntry(ctx context.Context, logger *slog.Logger, stream string, entry ports.StreamEntry) error {
	fields := make(map[string]string, len(entry.Fields)+1)
	for k, v := range entry.Fields {
		fields[k] = v
	}
	fields["source_stream"] = stream

	event, err := codec.DecodeMono(fields)
	if err != nil {
		w.poisonCount.Add(1)
		logger.Error("dropping malformed mono record",
			"event", "cep_worker_malformed_record",
			"stream", stream,
			"broker_message_id", entry.ID,
			"error", err.Error(),
		)
		return w.ackWithRetry(ctx, logger, stream, entry.ID)
	}

	w.Buffer.Push(event)
	emitted := w.Engine.Evaluate(w.Buffer)

	for _, multi := range emitted {
		encoded, err := codec.EncodeMulti(multi)
		if err != nil {
			return err
		}
		if err := w.appendWithRetry(ctx, logger, encoded); err != nil {
			return err
		}
		logger.Info("emitted multi event",
			"event", "cep_worker_multi_emitted",
			"correlation_rule", multi.CorrelationRule,
			"multi_event_id", multi.EventID,
			"source_event_count", len(multi.SourceEvents),
		)
	}

	return w.ackWithRetry(ctx, logger, stream, entry.ID)
}

func (w *CEPWorker) ensureGroupWithRetry(ctx context.Context, stream string) error {
	b := newBackoff(backoffBase, backoffCap)
	for {
		err := w.Broker.EnsureGroup(ctx, stream, w.Group)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domainerrors.ErrTransient) {
			return err
		}
		if !sleep(ctx, b.Next()) {
			return domainerrors.ErrShuttingDown
		}
	}
}

// appendWithRetry appends the emitted multi event durably before the
// triggering input is acked, so a crash between append and ack replays the
// input and re-emits (at-least-once emission, spec §4.6).
func (w *CEPWorker) appendWithRetry(ctx context.Context, logger *slog.Logger, fields map[string]string) error {
	b := newBackoff(backoffBase, backoffCap)
	for {
		_, err := w.Broker.Append(ctx, w.IntegratedStream, fields)
		if err == nil {
			return nil
		}
		if !errors.Is(err, domainerrors.ErrTransient) {
			return err
		}
		logger.Warn("transient broker append failure, backing off",
			"event", "cep_worker_append_transient",
			"stream", w.IntegratedStream,
			"error", err.Error(),
		)
		if !sleep(ctx, b.Next()) {
			return domainerrors.ErrShuttingDown
		}
	}
}

func (w *CEPWorker) ackWithRetry(ctx context.Context, logger *slog.Logger, stream, id string) error {
	b := newBackoff(backoffBase, backoffCap)
	for {
		err := w.Broker.Ack(ctx, stream, w.Group, []string{id})
		if err == nil {
			return nil
		}
		if !errors.Is(err, domainerrors.ErrTransient) {
			return err
		}
		logger.Warn("transient broker ack failure, backing off",
			"event", "cep_worker_ack_transient",
			"stream", stream,
			"error", err.Error(),
		)
		if !sleep(ctx, b.Next()) {
			return domainerrors.ErrShuttingDown
		}
	}
}

func sortedStreamNames(batches map[string][]ports.StreamEntry) []string {
	names := make([]string, 0, len(batches))
	for name := range batches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
