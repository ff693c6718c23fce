package projector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"go.uber.org/zap"
)

const (
	recentEventLimit = 10
	statsWindow      = 24 * time.Hour
	displayLayout    = "2006-01-02 15:04:05"

	opListRooms      = "projector.list_rooms"
	opRoomDetail     = "projector.room_detail"
	opStats          = "projector.stats"
	opChatHistory    = "projector.chat_history"
	opSessionHistory = "projector.session_history"
	opBatchStatus    = "projector.batch_status"

	reasonMissingDatabase = "missing_database"
	reasonQueryFailed     = "query_failed"
	reasonRoomNotFound    = "room_not_found"
	reasonInvalidPage     = "invalid_page"
	reasonInvalidCategory = "invalid_category"
	reasonMissingBatchID  = "missing_batch_id"
)

var (
	errMissingStore   = errors.New("record store is required")
	errRoomNotFound   = errors.New("Room not found")
	errUnknownBatch   = errors.New("unknown batch category")
	errMissingBatchID = errors.New("batch id is required")
	noOpLogger        = zap.NewNop()
)

// Config describes the dependencies of the read projector.
type Config struct {
	Store  *records.Store
	Clock  func() time.Time
	Logger *zap.Logger
}

// Projector derives room views from the raw ingested rows on every call.
type Projector struct {
	store  *records.Store
	clock  func() time.Time
	logger *zap.Logger
}

// New builds a Projector; the store is required.
func New(cfg Config) (*Projector, error) {
	if cfg.Store == nil {
		return nil, records.StoreError("projector.new", reasonMissingDatabase, errMissingStore)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Projector{store: cfg.Store, clock: clock, logger: logger}, nil
}

// RoomListing is one snapshot-anchored room.
type RoomListing struct {
	RoomID            string `json:"room_id"`
	LastSync          int64  `json:"last_sync"`
	LastSyncFormatted string `json:"last_sync_formatted"`
}

// ListRooms returns every room with at least one snapshot, most recently synced first.
func (p *Projector) ListRooms(ctx context.Context) ([]RoomListing, error) {
	if err := p.ready(opListRooms); err != nil {
		return nil, err
	}
	summaries, err := p.store.RoomSummaries(ctx)
	if err != nil {
		return nil, p.queryFailure(opListRooms, err)
	}
	listings := make([]RoomListing, 0, len(summaries))
	for _, summary := range summaries {
		listings = append(listings, RoomListing{
			RoomID:            summary.RoomID,
			LastSync:          summary.LastSync,
			LastSyncFormatted: formatUnix(summary.LastSync),
		})
	}
	return listings, nil
}

// RecentEvent is a lifecycle event as shown in room detail.
type RecentEvent struct {
	EventType     string          `json:"event_type"`
	EventData     json.RawMessage `json:"event_data"`
	Timestamp     int64           `json:"timestamp"`
	FormattedTime string          `json:"formatted_time"`
}

// RoomDetail joins the latest snapshot with live child-table totals.
type RoomDetail struct {
	RoomID       string          `json:"room_id"`
	LastSync     int64           `json:"last_sync"`
	Origin       records.Origin  `json:"origin"`
	AdminUserIDs json.RawMessage `json:"admin_user_ids"`
	StartTime    int64           `json:"start_time"`
	CurrentUsers int64           `json:"current_users"`
	PeakUsers    int64           `json:"peak_users"`
	TotalJoins   int64           `json:"total_joins"`
	ChatCount    int64           `json:"chat_count"`
	SessionCount int64           `json:"session_count"`
	RecentEvents []RecentEvent   `json:"recent_events"`
}

// RoomDetail fails with a NotFound error when the room has no snapshot,
// even if chat, session or event rows exist for it.
func (p *Projector) RoomDetail(ctx context.Context, roomID string) (RoomDetail, error) {
	if err := p.ready(opRoomDetail); err != nil {
		return RoomDetail{}, err
	}

	var detail RoomDetail
	txErr := p.store.Transaction(ctx, func(transactional *records.Store) error {
		snapshot, err := transactional.LatestSnapshot(ctx, roomID)
		if err != nil {
			return p.queryFailure(opRoomDetail, err, zap.String("room_id", roomID))
		}
		if snapshot == nil {
			return records.NotFoundError(opRoomDetail, reasonRoomNotFound, errRoomNotFound)
		}

		chatCount, err := transactional.CountRoomRows(ctx, &records.ChatMessageRecord{}, roomID)
		if err != nil {
			return p.queryFailure(opRoomDetail, err, zap.String("room_id", roomID))
		}
		sessionCount, err := transactional.CountRoomRows(ctx, &records.SessionRecord{}, roomID)
		if err != nil {
			return p.queryFailure(opRoomDetail, err, zap.String("room_id", roomID))
		}
		events, err := transactional.RecentRoomEvents(ctx, roomID, recentEventLimit)
		if err != nil {
			return p.queryFailure(opRoomDetail, err, zap.String("room_id", roomID))
		}

		detail = RoomDetail{
			RoomID:       roomID,
			LastSync:     snapshot.SyncTime,
			Origin:       snapshot.Origin,
			AdminUserIDs: jsonOrDefault(snapshot.AdminUserIDs, "[]"),
			StartTime:    snapshot.StartTime,
			CurrentUsers: snapshot.CurrentUsers,
			PeakUsers:    snapshot.PeakUsers,
			TotalJoins:   snapshot.TotalJoins,
			ChatCount:    chatCount,
			SessionCount: sessionCount,
			RecentEvents: make([]RecentEvent, 0, len(events)),
		}
		for _, event := range events {
			detail.RecentEvents = append(detail.RecentEvents, RecentEvent{
				EventType:     event.EventType,
				EventData:     jsonOrDefault(event.EventData, "{}"),
				Timestamp:     event.Timestamp,
				FormattedTime: formatUnix(event.Timestamp),
			})
		}
		return nil
	})
	if txErr != nil {
		return RoomDetail{}, p.queryFailure(opRoomDetail, txErr, zap.String("room_id", roomID))
	}
	return detail, nil
}

// Stats is the global aggregate view.
type Stats struct {
	TotalRooms          int64 `json:"total_rooms"`
	TotalChatRecords    int64 `json:"total_chat_records"`
	TotalSessionRecords int64 `json:"total_session_records"`
	TotalEvents         int64 `json:"total_events"`
	TodaySyncs          int64 `json:"today_syncs"`
	Timestamp           int64 `json:"timestamp"`
}

// Stats counts snapshot rooms and all child rows; today_syncs uses a trailing
// 24 hour window from the query instant rather than the calendar day.
func (p *Projector) Stats(ctx context.Context) (Stats, error) {
	if err := p.ready(opStats); err != nil {
		return Stats{}, err
	}

	now := p.clock().UTC()
	stats := Stats{Timestamp: now.Unix()}
	txErr := p.store.Transaction(ctx, func(transactional *records.Store) error {
		var err error
		if stats.TotalRooms, err = transactional.CountDistinctSnapshotRooms(ctx); err != nil {
			return p.queryFailure(opStats, err)
		}
		if stats.TotalChatRecords, err = transactional.CountRows(ctx, &records.ChatMessageRecord{}); err != nil {
			return p.queryFailure(opStats, err)
		}
		if stats.TotalSessionRecords, err = transactional.CountRows(ctx, &records.SessionRecord{}); err != nil {
			return p.queryFailure(opStats, err)
		}
		if stats.TotalEvents, err = transactional.CountRows(ctx, &records.RoomEvent{}); err != nil {
			return p.queryFailure(opStats, err)
		}
		if stats.TodaySyncs, err = transactional.CountSnapshotsSince(ctx, now.Add(-statsWindow).Unix()); err != nil {
			return p.queryFailure(opStats, err)
		}
		return nil
	})
	if txErr != nil {
		return Stats{}, p.queryFailure(opStats, txErr)
	}
	return stats, nil
}

// HistoryQuery carries raw pagination input for a history view.
type HistoryQuery struct {
	RoomID string
	Page   int
	Limit  int
	From   *int64
	To     *int64
}

// ChatHistoryEntry is one chat record as exposed by the history view.
type ChatHistoryEntry struct {
	UserID    string  `json:"user_id"`
	Content   string  `json:"content"`
	CreatedAt int64   `json:"created_at"`
	SyncTime  int64   `json:"sync_time"`
	BatchID   *string `json:"batch_id"`
}

// ChatHistoryPage is one page of a room's chat records.
type ChatHistoryPage struct {
	RoomID     string             `json:"room_id"`
	Records    []ChatHistoryEntry `json:"records"`
	Pagination records.Pagination `json:"pagination"`
}

// ChatHistory returns records ordered by created_at ascending.
func (p *Projector) ChatHistory(ctx context.Context, query HistoryQuery) (ChatHistoryPage, error) {
	if err := p.ready(opChatHistory); err != nil {
		return ChatHistoryPage{}, err
	}
	request, err := newPageRequest(opChatHistory, query)
	if err != nil {
		return ChatHistoryPage{}, err
	}
	rows, total, err := p.store.ChatRecordsPage(ctx, request)
	if err != nil {
		return ChatHistoryPage{}, p.queryFailure(opChatHistory, err, zap.String("room_id", query.RoomID))
	}
	page := ChatHistoryPage{
		RoomID:     query.RoomID,
		Records:    make([]ChatHistoryEntry, 0, len(rows)),
		Pagination: records.NewPagination(request, total),
	}
	for _, row := range rows {
		page.Records = append(page.Records, ChatHistoryEntry{
			UserID:    row.UserID,
			Content:   row.Content,
			CreatedAt: row.CreatedAtSeconds,
			SyncTime:  row.SyncTime,
			BatchID:   row.BatchID,
		})
	}
	return page, nil
}

// SessionHistoryEntry is one session record as exposed by the history view.
type SessionHistoryEntry struct {
	UserID          string  `json:"user_id"`
	JoinTime        int64   `json:"join_time"`
	LeaveTime       *int64  `json:"leave_time"`
	DurationSeconds *int64  `json:"duration_seconds"`
	SyncTime        int64   `json:"sync_time"`
	BatchID         *string `json:"batch_id"`
}

// SessionHistoryPage is one page of a room's session records.
type SessionHistoryPage struct {
	RoomID     string                `json:"room_id"`
	Records    []SessionHistoryEntry `json:"records"`
	Pagination records.Pagination    `json:"pagination"`
}

// SessionHistory returns records ordered by join_time ascending.
func (p *Projector) SessionHistory(ctx context.Context, query HistoryQuery) (SessionHistoryPage, error) {
	if err := p.ready(opSessionHistory); err != nil {
		return SessionHistoryPage{}, err
	}
	request, err := newPageRequest(opSessionHistory, query)
	if err != nil {
		return SessionHistoryPage{}, err
	}
	rows, total, err := p.store.SessionRecordsPage(ctx, request)
	if err != nil {
		return SessionHistoryPage{}, p.queryFailure(opSessionHistory, err, zap.String("room_id", query.RoomID))
	}
	page := SessionHistoryPage{
		RoomID:     query.RoomID,
		Records:    make([]SessionHistoryEntry, 0, len(rows)),
		Pagination: records.NewPagination(request, total),
	}
	for _, row := range rows {
		page.Records = append(page.Records, SessionHistoryEntry{
			UserID:          row.UserID,
			JoinTime:        row.JoinTime,
			LeaveTime:       row.LeaveTime,
			DurationSeconds: row.DurationSeconds,
			SyncTime:        row.SyncTime,
			BatchID:         row.BatchID,
		})
	}
	return page, nil
}

// BatchStatus is the derived completion view of one batch descriptor.
type BatchStatus struct {
	RoomID          string             `json:"room_id"`
	Category        records.Category   `json:"category"`
	BatchID         string             `json:"batch_id"`
	State           records.BatchState `json:"state"`
	Completed       bool               `json:"completed"`
	PagesReceived   int64              `json:"pages_received"`
	RecordsReceived int64              `json:"records_received"`
	FirstPageAt     int64              `json:"first_page_at,omitempty"`
	LastPageAt      int64              `json:"last_page_at,omitempty"`
	CompletedAt     int64              `json:"completed_at,omitempty"`
}

// BatchStatus reports unseen for a batch that never received a page.
func (p *Projector) BatchStatus(ctx context.Context, roomID, category, batchID string) (BatchStatus, error) {
	if err := p.ready(opBatchStatus); err != nil {
		return BatchStatus{}, err
	}
	parsedCategory, ok := records.ParseCategory(category)
	if !ok {
		return BatchStatus{}, records.ValidationError(opBatchStatus, reasonInvalidCategory, fmt.Errorf("%w: %q", errUnknownBatch, category))
	}
	if batchID == "" {
		return BatchStatus{}, records.ValidationError(opBatchStatus, reasonMissingBatchID, errMissingBatchID)
	}

	progress, err := p.store.FindBatchProgress(ctx, roomID, parsedCategory, batchID)
	if err != nil {
		return BatchStatus{}, p.queryFailure(opBatchStatus, err, zap.String("room_id", roomID), zap.String("batch_id", batchID))
	}
	status := BatchStatus{
		RoomID:   roomID,
		Category: parsedCategory,
		BatchID:  batchID,
		State:    progress.State(),
	}
	if progress != nil {
		status.Completed = progress.Completed
		status.PagesReceived = progress.PagesReceived
		status.RecordsReceived = progress.RecordsReceived
		status.FirstPageAt = progress.FirstPageAt
		status.LastPageAt = progress.LastPageAt
		status.CompletedAt = progress.CompletedAt
	}
	return status, nil
}

func newPageRequest(operation string, query HistoryQuery) (records.PageRequest, error) {
	request, err := records.NewPageRequest(records.PageRequestConfig{
		RoomID: query.RoomID,
		Page:   query.Page,
		Limit:  query.Limit,
		From:   query.From,
		To:     query.To,
	})
	if err != nil {
		return records.PageRequest{}, records.ValidationError(operation, reasonInvalidPage, err)
	}
	return request, nil
}

func (p *Projector) ready(operation string) error {
	if p == nil || p.store == nil {
		p.logError(operation, reasonMissingDatabase, errMissingStore)
		return records.StoreError(operation, reasonMissingDatabase, errMissingStore)
	}
	return nil
}

// queryFailure wraps err as a StoreError unless it already is a ServiceError.
func (p *Projector) queryFailure(operation string, err error, fields ...zap.Field) error {
	var serviceErr *records.ServiceError
	if errors.As(err, &serviceErr) {
		return err
	}
	p.logError(operation, reasonQueryFailed, err, fields...)
	return records.StoreError(operation, reasonQueryFailed, err)
}

func (p *Projector) logError(operation, reason string, err error, fields ...zap.Field) {
	logger := noOpLogger
	if p != nil && p.logger != nil {
		logger = p.logger
	}
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.Error(err),
	}
	logger.Error("projector error", append(attrs, fields...)...)
}

func formatUnix(seconds int64) string {
	return time.Unix(seconds, 0).UTC().Format(displayLayout)
}

func jsonOrDefault(raw []byte, fallback string) json.RawMessage {
	if len(raw) == 0 || !json.Valid(raw) {
		return json.RawMessage(fallback)
	}
	return json.RawMessage(raw)
}
