package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"go.uber.org/zap"
)

var (
	errMissingStore = errors.New("record store is required")
	errMissingGuard = errors.New("payload schemas are not compiled")
	noOpLogger      = zap.NewNop()
)

const (
	opServiceNew   = "ingest.service.new"
	opLegacySync   = "ingest.legacy_sync"
	opRoomEvent    = "ingest.room_event"
	opChatBatch    = "ingest.chat_batch"
	opSessionBatch = "ingest.session_batch"
	opPeriodicSync = "ingest.periodic_sync"

	reasonMissingDatabase      = "missing_database"
	reasonSchemaCompileFailed  = "schema_compile_failed"
	reasonSchemaMissing        = "schema_missing"
	reasonPayloadDecodeFailed  = "payload_decode_failed"
	reasonNormalizeFailed      = "normalize_failed"
	reasonSnapshotInsertFailed = "snapshot_insert_failed"
	reasonChatInsertFailed     = "chat_insert_failed"
	reasonSessionInsertFailed  = "session_insert_failed"
	reasonEventInsertFailed    = "event_insert_failed"
	reasonBatchTrackFailed     = "batch_track_failed"
	reasonTransactionFailed    = "transaction_failed"
)

// ServiceConfig describes the dependencies of the ingestion service.
type ServiceConfig struct {
	Store  *records.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Service normalizes inbound payloads into record store appends.
// Every operation writes inside one transaction and nothing is deduplicated.
type Service struct {
	store   *records.Store
	clock   func() time.Time
	logger  *zap.Logger
	guard   *schemaGuard
	tracker batchTracker
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, records.StoreError(opServiceNew, reasonMissingDatabase, errMissingStore)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	guard, err := newSchemaGuard()
	if err != nil {
		return nil, records.InternalError(opServiceNew, reasonSchemaCompileFailed, err)
	}

	return &Service{
		store:   cfg.Store,
		clock:   clock,
		logger:  logger,
		guard:   guard,
		tracker: batchTracker{logger: logger},
	}, nil
}

// Result is the outcome reported back to the sender of one payload.
type Result struct {
	RoomID      string
	Message     string
	Records     int
	BatchID     string
	IsLastBatch bool
	BatchState  records.BatchState
}

// IngestLegacySync stores one legacy snapshot plus every embedded chat and session entry.
func (s *Service) IngestLegacySync(ctx context.Context, body []byte) (Result, error) {
	var payload LegacySyncPayload
	if err := s.decode(opLegacySync, ShapeLegacySync, body, &payload); err != nil {
		return Result{}, err
	}

	normalized, err := normalizeLegacySync(payload, body, s.now())
	if err != nil {
		return Result{}, records.ValidationError(opLegacySync, reasonNormalizeFailed, err)
	}
	roomID := normalized.snapshot.RoomID

	txErr := s.store.Transaction(ctx, func(transactional *records.Store) error {
		if err := transactional.InsertSnapshot(ctx, &normalized.snapshot); err != nil {
			return s.storeFailure(opLegacySync, reasonSnapshotInsertFailed, err, zap.String("room_id", roomID))
		}
		if err := transactional.InsertChatRecords(ctx, normalized.chatRecords); err != nil {
			return s.storeFailure(opLegacySync, reasonChatInsertFailed, err, zap.String("room_id", roomID))
		}
		if err := transactional.InsertSessionRecords(ctx, normalized.sessionRecords); err != nil {
			return s.storeFailure(opLegacySync, reasonSessionInsertFailed, err, zap.String("room_id", roomID))
		}
		return nil
	})
	if txErr != nil {
		return Result{}, s.storeFailure(opLegacySync, reasonTransactionFailed, txErr, zap.String("room_id", roomID))
	}

	s.logger.Info("legacy sync stored",
		zap.String("room_id", roomID),
		zap.Int("chat_records", len(normalized.chatRecords)),
		zap.Int("session_records", len(normalized.sessionRecords)))

	return Result{
		RoomID:  roomID,
		Message: "Room data synced successfully",
		Records: len(normalized.chatRecords) + len(normalized.sessionRecords),
	}, nil
}

// RecordRoomEvent stores one lifecycle event verbatim; unknown event types are accepted.
func (s *Service) RecordRoomEvent(ctx context.Context, body []byte) (Result, error) {
	var payload RoomEventPayload
	if err := s.decode(opRoomEvent, ShapeRoomEvent, body, &payload); err != nil {
		return Result{}, err
	}

	event := normalizeRoomEvent(payload, body, s.now())
	txErr := s.store.Transaction(ctx, func(transactional *records.Store) error {
		if err := transactional.InsertRoomEvent(ctx, &event); err != nil {
			return s.storeFailure(opRoomEvent, reasonEventInsertFailed, err, zap.String("room_id", event.RoomID))
		}
		return nil
	})
	if txErr != nil {
		return Result{}, s.storeFailure(opRoomEvent, reasonTransactionFailed, txErr, zap.String("room_id", event.RoomID))
	}

	s.logger.Info("room event stored",
		zap.String("room_id", event.RoomID),
		zap.String("event_type", event.EventType))

	return Result{
		RoomID:  event.RoomID,
		Message: fmt.Sprintf("Room event %s recorded", event.EventType),
		Records: 1,
	}, nil
}

// IngestChatBatch stores one chat-history page and advances its batch descriptor.
func (s *Service) IngestChatBatch(ctx context.Context, body []byte) (Result, error) {
	var payload ChatHistoryBatchPayload
	if err := s.decode(opChatBatch, ShapeChatHistoryBatch, body, &payload); err != nil {
		return Result{}, err
	}
	batch := normalizeChatHistoryBatch(payload, s.now())
	result, err := s.ingestBatch(ctx, opChatBatch, records.CategoryChat, batch)
	if err != nil {
		return Result{}, err
	}
	result.Message = fmt.Sprintf("Chat history batch %s processed", batch.batchID)
	return result, nil
}

// IngestSessionBatch stores one session-history page and advances its batch descriptor.
func (s *Service) IngestSessionBatch(ctx context.Context, body []byte) (Result, error) {
	var payload SessionHistoryBatchPayload
	if err := s.decode(opSessionBatch, ShapeSessionHistoryBatch, body, &payload); err != nil {
		return Result{}, err
	}
	batch := normalizeSessionHistoryBatch(payload, s.now())
	result, err := s.ingestBatch(ctx, opSessionBatch, records.CategorySession, batch)
	if err != nil {
		return Result{}, err
	}
	result.Message = fmt.Sprintf("Session history batch %s processed", batch.batchID)
	return result, nil
}

// IngestPeriodicSync stores one periodic snapshot with zeroed activity counters.
func (s *Service) IngestPeriodicSync(ctx context.Context, body []byte) (Result, error) {
	var payload PeriodicSyncPayload
	if err := s.decode(opPeriodicSync, ShapePeriodicSync, body, &payload); err != nil {
		return Result{}, err
	}

	snapshot, err := normalizePeriodicSync(payload, body, s.now())
	if err != nil {
		return Result{}, records.ValidationError(opPeriodicSync, reasonNormalizeFailed, err)
	}

	txErr := s.store.Transaction(ctx, func(transactional *records.Store) error {
		if err := transactional.InsertSnapshot(ctx, &snapshot); err != nil {
			return s.storeFailure(opPeriodicSync, reasonSnapshotInsertFailed, err, zap.String("room_id", snapshot.RoomID))
		}
		return nil
	})
	if txErr != nil {
		return Result{}, s.storeFailure(opPeriodicSync, reasonTransactionFailed, txErr, zap.String("room_id", snapshot.RoomID))
	}

	s.logger.Info("periodic sync stored",
		zap.String("room_id", snapshot.RoomID),
		zap.Int64("sync_time", snapshot.SyncTime))

	return Result{
		RoomID:  snapshot.RoomID,
		Message: "Periodic sync recorded",
	}, nil
}

func (s *Service) ingestBatch(ctx context.Context, operation string, category records.Category, batch recordBatch) (Result, error) {
	var state records.BatchState
	txErr := s.store.Transaction(ctx, func(transactional *records.Store) error {
		if err := transactional.InsertChatRecords(ctx, batch.chatRecords); err != nil {
			return s.storeFailure(operation, reasonChatInsertFailed, err, batchFields(batch)...)
		}
		if err := transactional.InsertSessionRecords(ctx, batch.sessionRecords); err != nil {
			return s.storeFailure(operation, reasonSessionInsertFailed, err, batchFields(batch)...)
		}
		observed, err := s.tracker.observe(ctx, transactional, category, batch)
		if err != nil {
			return s.storeFailure(operation, reasonBatchTrackFailed, err, batchFields(batch)...)
		}
		state = observed
		return nil
	})
	if txErr != nil {
		return Result{}, s.storeFailure(operation, reasonTransactionFailed, txErr, batchFields(batch)...)
	}

	s.logger.Info("history batch stored", append(batchFields(batch),
		zap.String("category", string(category)),
		zap.Int("records", batch.size()),
		zap.Bool("is_last_batch", batch.isLastBatch))...)

	return Result{
		RoomID:      batch.roomID,
		Records:     batch.size(),
		BatchID:     batch.batchID,
		IsLastBatch: batch.isLastBatch,
		BatchState:  state,
	}, nil
}

// decode rejects an absent, non-object or mistyped body before unmarshalling it.
func (s *Service) decode(operation string, shape Shape, body []byte, destination any) error {
	if s == nil || s.store == nil {
		s.logError(operation, reasonMissingDatabase, errMissingStore)
		return records.StoreError(operation, reasonMissingDatabase, errMissingStore)
	}
	if s.guard == nil {
		s.logError(operation, reasonSchemaMissing, errMissingGuard)
		return records.InternalError(operation, reasonSchemaMissing, errMissingGuard)
	}
	if err := s.guard.validate(shape, body); err != nil {
		s.loggerOrDefault().Warn("payload rejected",
			zap.String("operation", operation),
			zap.String("reason", validationReason(err)),
			zap.Error(err))
		return records.ValidationError(operation, validationReason(err), err)
	}
	if err := json.Unmarshal(body, destination); err != nil {
		return records.ValidationError(operation, reasonPayloadDecodeFailed, err)
	}
	return nil
}

// storeFailure wraps err as a StoreError unless it already is a ServiceError, logging only once.
func (s *Service) storeFailure(operation, reason string, err error, fields ...zap.Field) error {
	var serviceErr *records.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	s.logError(operation, reason, err, fields...)
	return records.StoreError(operation, reason, err)
}

func (s *Service) now() int64 {
	return s.clock().UTC().Unix()
}

func batchFields(batch recordBatch) []zap.Field {
	return []zap.Field{
		zap.String("room_id", batch.roomID),
		zap.String("batch_id", batch.batchID),
	}
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil {
		return noOpLogger
	}
	if s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ingest service error", attrs...)
}
