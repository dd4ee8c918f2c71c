// Package postgres implements ports.ColdStore over a real database (C3,
// spec §4.3), mirroring the teacher's gorm-model-plus-isUniqueViolation
// repository convention.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"leafletcep/contexts/event-integration/cep-service/domain/entities"
	domainerrors "leafletcep/contexts/event-integration/cep-service/domain/errors"
	"leafletcep/contexts/event-integration/cep-service/ports"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

func NewStore(db *gorm.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// AutoMigrate creates the mono_events, multi_events, and archive_checkpoints
// tables and their indexes (spec §4.3/§6) if they do not already exist.
func (s *Store) AutoMigrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&monoEventModel{}, &multiEventModel{}, &archiveCheckpointModel{})
}

func (s *Store) InsertMono(ctx context.Context, event entities.MonoEvent) error {
	row, err := monoEventModelFromEntity(event)
	if err != nil {
		return s.logError("cep_store_insert_mono_encode_failed", err, "event_id", event.EventID)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return s.logError("cep_store_insert_mono_failed", err, "event_id", event.EventID)
	}
	return nil
}

func (s *Store) InsertMulti(ctx context.Context, event entities.MultiEvent) error {
	row, err := multiEventModelFromEntity(event)
	if err != nil {
		return s.logError("cep_store_insert_multi_encode_failed", err, "event_id", event.EventID)
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		if isUniqueViolation(err) {
			return nil
		}
		return s.logError("cep_store_insert_multi_failed", err, "event_id", event.EventID)
	}
	return nil
}

func (s *Store) TryMarkArchived(ctx context.Context, stream, msgID, eventID string, archivedAt time.Time) (bool, error) {
	row := archiveCheckpointModel{
		StreamName:      strings.TrimSpace(stream),
		BrokerMessageID: strings.TrimSpace(msgID),
		EventID:         strings.TrimSpace(eventID),
		ArchivedAt:      archivedAt.UTC(),
	}
	err := s.db.WithContext(ctx).Create(&row).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, s.logError("cep_store_mark_archived_failed", err,
			"stream", stream, "broker_message_id", msgID)
	}
	return true, nil
}

func (s *Store) LastArchivedMsgID(ctx context.Context, stream string) (string, error) {
	var row archiveCheckpointModel
	err := s.db.WithContext(ctx).
		Where("stream_name = ?", strings.TrimSpace(stream)).
		Order("broker_message_id_ms DESC, broker_message_id_seq DESC").
		First(&row).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", nil
		}
		return "", s.logError("cep_store_last_archived_failed", err, "stream", stream)
	}
	return row.BrokerMessageID, nil
}

func (s *Store) QueryMono(ctx context.Context, filter ports.MonoFilter, limit, offset int) ([]entities.MonoEvent, error) {
	query := s.db.WithContext(ctx).Model(&monoEventModel{})
	if filter.SourceStream != "" {
		query = query.Where("source_stream = ?", filter.SourceStream)
	}
	if filter.EventType != "" {
		query = query.Where("event_type = ?", string(filter.EventType))
	}
	if !filter.Since.IsZero() {
		query = query.Where("event_timestamp >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("event_timestamp <= ?", filter.Until.UTC())
	}
	query = query.Order("event_timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []monoEventModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.logError("cep_store_query_mono_failed", err)
	}
	out := make([]entities.MonoEvent, 0, len(rows))
	for _, row := range rows {
		event, err := row.toEntity()
		if err != nil {
			return nil, s.logError("cep_store_query_mono_decode_failed", err, "event_id", row.ID)
		}
		out = append(out, event)
	}
	return out, nil
}

func (s *Store) QueryMulti(ctx context.Context, filter ports.MultiFilter, limit, offset int) ([]entities.MultiEvent, error) {
	query := s.db.WithContext(ctx).Model(&multiEventModel{})
	if filter.CorrelationRule != "" {
		query = query.Where("correlation_rule = ?", filter.CorrelationRule)
	}
	if filter.MinConfidence > 0 {
		query = query.Where("confidence >= ?", filter.MinConfidence)
	}
	if !filter.Since.IsZero() {
		query = query.Where("event_timestamp >= ?", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		query = query.Where("event_timestamp <= ?", filter.Until.UTC())
	}
	query = query.Order("event_timestamp DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var rows []multiEventModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, s.logError("cep_store_query_multi_failed", err)
	}
	out := make([]entities.MultiEvent, 0, len(rows))
	for _, row := range rows {
		event, err := row.toEntity()
		if err != nil {
			return nil, s.logError("cep_store_query_multi_decode_failed", err, "event_id", row.ID)
		}
		out = append(out, event)
	}
	return out, nil
}

// WithinBatch runs fn inside one real database transaction (spec §4.3): every
// insert and checkpoint fn commits together, or gorm rolls all of it back.
func (s *Store) WithinBatch(ctx context.Context, fn func(ctx context.Context, tx ports.ColdStore) error) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &Store{db: tx, logger: s.logger})
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, domainerrors.ErrAlreadyArchived) || errors.Is(err, domainerrors.ErrPermanent) {
		return err
	}
	return fmt.Errorf("%w: %v", domainerrors.ErrTransient, err)
}

func (s *Store) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+5)
	fields = append(fields,
		"event", event,
		"module", "event-integration/cep-service",
		"layer", "adapter",
		"error", err.Error(),
	)
	fields = append(fields, attrs...)
	s.logger.Error("cep cold store operation failed", fields...)
	return fmt.Errorf("%w: %v", domainerrors.ErrPermanent, err)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// monoEventModel is the mono_events table row (spec §6): primary key on id
// gives InsertMono its idempotency.
type monoEventModel struct {
	ID             string    `gorm:"column:id;primaryKey"`
	EventTimestamp time.Time `gorm:"column:event_timestamp;index"`
	SourceStream   string    `gorm:"column:source_stream;index"`
	EventType      string    `gorm:"column:event_type"`
	Value          float64   `gorm:"column:value"`
	Metadata       string    `gorm:"column:metadata"`
}

func (monoEventModel) TableName() string { return "mono_events" }

func monoEventModelFromEntity(e entities.MonoEvent) (monoEventModel, error) {
	metadataJSON, err := json.Marshal(e.Metadata)
	if err != nil {
		return monoEventModel{}, err
	}
	return monoEventModel{
		ID:             e.EventID,
		EventTimestamp: e.Timestamp.UTC(),
		SourceStream:   e.SourceStream,
		EventType:      string(e.EventType),
		Value:          e.Value,
		Metadata:       string(metadataJSON),
	}, nil
}

func (row monoEventModel) toEntity() (entities.MonoEvent, error) {
	var metadata map[string]any
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &metadata); err != nil {
			return entities.MonoEvent{}, err
		}
	}
	return entities.MonoEvent{
		EventID:      row.ID,
		Timestamp:    row.EventTimestamp,
		SourceStream: row.SourceStream,
		EventType:    entities.EventType(row.EventType),
		Value:        row.Value,
		Metadata:     metadata,
	}, nil
}

// multiEventModel is the multi_events table row.
type multiEventModel struct {
	ID              string    `gorm:"column:id;primaryKey"`
	EventTimestamp  time.Time `gorm:"column:event_timestamp;index"`
	SourceEvents    string    `gorm:"column:source_events"`
	CorrelationRule string    `gorm:"column:correlation_rule;index"`
	IntegratedValue float64   `gorm:"column:integrated_value"`
	Confidence      float64   `gorm:"column:confidence;index"`
	Lineage         string    `gorm:"column:lineage"`
}

func (multiEventModel) TableName() string { return "multi_events" }

func multiEventModelFromEntity(e entities.MultiEvent) (multiEventModel, error) {
	lineageJSON, err := json.Marshal(e.Lineage)
	if err != nil {
		return multiEventModel{}, err
	}
	return multiEventModel{
		ID:              e.EventID,
		EventTimestamp:  e.Timestamp.UTC(),
		SourceEvents:    strings.Join(e.SourceEvents, ","),
		CorrelationRule: e.CorrelationRule,
		IntegratedValue: e.IntegratedValue,
		Confidence:      e.Confidence,
		Lineage:         string(lineageJSON),
	}, nil
}

func (row multiEventModel) toEntity() (entities.MultiEvent, error) {
	var lineage map[string]entities.LineageEntry
	if row.Lineage != "" {
		if err := json.Unmarshal([]byte(row.Lineage), &lineage); err != nil {
			return entities.MultiEvent{}, err
		}
	}
	sourceEvents := strings.Split(row.SourceEvents, ",")
	return entities.MultiEvent{
		EventID:         row.ID,
		Timestamp:       row.EventTimestamp,
		EventType:       entities.EventTypeMultiOriginated,
		SourceEvents:    sourceEvents,
		CorrelationRule: row.CorrelationRule,
		IntegratedValue: row.IntegratedValue,
		Confidence:      row.Confidence,
		Lineage:         lineage,
	}, nil
}

// archiveCheckpointModel is the archive_checkpoints table row. The unique
// index on (stream_name, broker_message_id) is what makes TryMarkArchived
// idempotent under concurrent archivers (I5, R3). broker_message_id_ms/_seq
// store the Redis-Streams-id components split out for ORDER BY, since the
// id itself ("<ms>-<seq>") does not sort correctly as a plain string once
// either half rolls past a power of ten.
type archiveCheckpointModel struct {
	ID                 uint      `gorm:"column:id;primaryKey;autoIncrement"`
	StreamName         string    `gorm:"column:stream_name;uniqueIndex:idx_stream_broker_msg"`
	BrokerMessageID    string    `gorm:"column:broker_message_id;uniqueIndex:idx_stream_broker_msg"`
	BrokerMessageIDMs  int64     `gorm:"column:broker_message_id_ms;index"`
	BrokerMessageIDSeq int64     `gorm:"column:broker_message_id_seq"`
	EventID            string    `gorm:"column:event_id;index"`
	ArchivedAt         time.Time `gorm:"column:archived_at"`
}

func (archiveCheckpointModel) TableName() string { return "archive_checkpoints" }

func (m *archiveCheckpointModel) BeforeCreate(_ *gorm.DB) error {
	ms, seq := splitBrokerMessageID(m.BrokerMessageID)
	m.BrokerMessageIDMs = ms
	m.BrokerMessageIDSeq = seq
	return nil
}

func splitBrokerMessageID(id string) (int64, int64) {
	var ms, seq int64
	parts := strings.SplitN(id, "-", 2)
	fmt.Sscanf(parts[0], "%d", &ms)
	if len(parts) == 2 {
		fmt.Sscanf(parts[1], "%d", &seq)
	}
	return ms, seq
}
