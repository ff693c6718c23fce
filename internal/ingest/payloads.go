package ingest

import (
	"bytes"
	"encoding/json"

	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"gorm.io/datatypes"
)

// LegacySyncPayload is the full room dump pushed by the upstream sync service.
// The upstream flattens stats into the top level; the nested form is also accepted.
type LegacySyncPayload struct {
	RoomID         *string               `json:"room_id"`
	AdminUserIDs   []string              `json:"admin_user_ids"`
	StartTime      *int64                `json:"start_time"`
	Stats          *RoomStatsPayload     `json:"stats"`
	CurrentUsers   *int64                `json:"current_users"`
	PeakUsers      *int64                `json:"peak_users"`
	TotalJoins     *int64                `json:"total_joins"`
	ChatHistory    []ChatEntryPayload    `json:"chat_history"`
	SessionHistory []SessionEntryPayload `json:"session_history"`
}

// RoomStatsPayload carries the live counters of a room.
type RoomStatsPayload struct {
	CurrentUsers *int64 `json:"current_users"`
	PeakUsers    *int64 `json:"peak_users"`
	TotalJoins   *int64 `json:"total_joins"`
}

// ChatEntryPayload is one chat message as reported by the upstream.
type ChatEntryPayload struct {
	UserID    *string `json:"user_id"`
	Content   *string `json:"content"`
	CreatedAt *int64  `json:"created_at"`
}

// SessionEntryPayload is one join/leave session as reported by the upstream.
type SessionEntryPayload struct {
	UserID          *string `json:"user_id"`
	JoinTime        *int64  `json:"join_time"`
	LeaveTime       *int64  `json:"leave_time"`
	DurationSeconds *int64  `json:"duration_seconds"`
}

// RoomEventPayload is a discrete lifecycle event; extra fields survive in the raw body.
type RoomEventPayload struct {
	RoomID    *string `json:"room_id"`
	EventType *string `json:"event_type"`
	Timestamp *int64  `json:"timestamp"`
}

// ChatHistoryBatchPayload is one page of a chat-history transfer.
type ChatHistoryBatchPayload struct {
	RoomID      *string            `json:"room_id"`
	BatchID     *string            `json:"batch_id"`
	Messages    []ChatEntryPayload `json:"messages"`
	IsLastBatch *bool              `json:"is_last_batch"`
	Timestamp   *int64             `json:"timestamp"`
}

// SessionHistoryBatchPayload is one page of a session-history transfer.
type SessionHistoryBatchPayload struct {
	RoomID      *string               `json:"room_id"`
	BatchID     *string               `json:"batch_id"`
	Sessions    []SessionEntryPayload `json:"sessions"`
	IsLastBatch *bool                 `json:"is_last_batch"`
	Timestamp   *int64                `json:"timestamp"`
}

// PeriodicSyncPayload carries connection-state fields only.
type PeriodicSyncPayload struct {
	RoomID       *string               `json:"room_id"`
	RoomInfo     *RoomBasicInfoPayload `json:"room_info"`
	LastSyncTime *int64                `json:"last_sync_time"`
}

// RoomBasicInfoPayload is the room_info block of a periodic sync.
type RoomBasicInfoPayload struct {
	AdminUserIDs       []string `json:"admin_user_ids"`
	CreatedAt          *int64   `json:"created_at"`
	CurrentConnections *int64   `json:"current_connections"`
}

// legacySync is the normalized write set of one legacy full sync.
type legacySync struct {
	snapshot       records.RoomSyncSnapshot
	chatRecords    []records.ChatMessageRecord
	sessionRecords []records.SessionRecord
}

// recordBatch is the normalized write set of one history page.
type recordBatch struct {
	roomID         string
	batchID        string
	isLastBatch    bool
	syncTime       int64
	chatRecords    []records.ChatMessageRecord
	sessionRecords []records.SessionRecord
}

func (batch recordBatch) size() int {
	return len(batch.chatRecords) + len(batch.sessionRecords)
}

func normalizeLegacySync(payload LegacySyncPayload, raw []byte, receivedAt int64) (legacySync, error) {
	adminUserIDs, err := encodeAdminUserIDs(payload.AdminUserIDs)
	if err != nil {
		return legacySync{}, err
	}
	roomID := stringOrEmpty(payload.RoomID)

	currentUsers, peakUsers, totalJoins := payload.CurrentUsers, payload.PeakUsers, payload.TotalJoins
	if payload.Stats != nil {
		currentUsers, peakUsers, totalJoins = payload.Stats.CurrentUsers, payload.Stats.PeakUsers, payload.Stats.TotalJoins
	}

	normalized := legacySync{
		snapshot: records.RoomSyncSnapshot{
			RoomID:       roomID,
			SyncTime:     receivedAt,
			Origin:       records.OriginLegacy,
			AdminUserIDs: adminUserIDs,
			StartTime:    int64OrZero(payload.StartTime),
			CurrentUsers: int64OrZero(currentUsers),
			PeakUsers:    int64OrZero(peakUsers),
			TotalJoins:   int64OrZero(totalJoins),
			ChatCount:    int64(len(payload.ChatHistory)),
			SessionCount: int64(len(payload.SessionHistory)),
			RawData:      rawJSON(raw),
		},
		chatRecords:    normalizeChatEntries(roomID, payload.ChatHistory, receivedAt, nil),
		sessionRecords: normalizeSessionEntries(roomID, payload.SessionHistory, receivedAt, nil),
	}
	return normalized, nil
}

func normalizeRoomEvent(payload RoomEventPayload, raw []byte, receivedAt int64) records.RoomEvent {
	timestamp := receivedAt
	if payload.Timestamp != nil {
		timestamp = *payload.Timestamp
	}
	return records.RoomEvent{
		RoomID:    stringOrEmpty(payload.RoomID),
		EventType: stringOrEmpty(payload.EventType),
		EventData: rawJSON(raw),
		Timestamp: timestamp,
	}
}

func normalizeChatHistoryBatch(payload ChatHistoryBatchPayload, receivedAt int64) recordBatch {
	batch := newRecordBatch(payload.RoomID, payload.BatchID, payload.IsLastBatch, payload.Timestamp, receivedAt)
	batch.chatRecords = normalizeChatEntries(batch.roomID, payload.Messages, batch.syncTime, optionalBatchID(batch.batchID))
	return batch
}

func normalizeSessionHistoryBatch(payload SessionHistoryBatchPayload, receivedAt int64) recordBatch {
	batch := newRecordBatch(payload.RoomID, payload.BatchID, payload.IsLastBatch, payload.Timestamp, receivedAt)
	batch.sessionRecords = normalizeSessionEntries(batch.roomID, payload.Sessions, batch.syncTime, optionalBatchID(batch.batchID))
	return batch
}

// normalizePeriodicSync zero-fills the activity counters; the shape carries none.
func normalizePeriodicSync(payload PeriodicSyncPayload, raw []byte, receivedAt int64) (records.RoomSyncSnapshot, error) {
	info := RoomBasicInfoPayload{}
	if payload.RoomInfo != nil {
		info = *payload.RoomInfo
	}
	adminUserIDs, err := encodeAdminUserIDs(info.AdminUserIDs)
	if err != nil {
		return records.RoomSyncSnapshot{}, err
	}
	syncTime := receivedAt
	if payload.LastSyncTime != nil {
		syncTime = *payload.LastSyncTime
	}
	return records.RoomSyncSnapshot{
		RoomID:       stringOrEmpty(payload.RoomID),
		SyncTime:     syncTime,
		Origin:       records.OriginPeriodic,
		AdminUserIDs: adminUserIDs,
		StartTime:    int64OrZero(info.CreatedAt),
		CurrentUsers: int64OrZero(info.CurrentConnections),
		RawData:      rawJSON(raw),
	}, nil
}

func newRecordBatch(roomID, batchID *string, isLastBatch *bool, timestamp *int64, receivedAt int64) recordBatch {
	syncTime := receivedAt
	if timestamp != nil {
		syncTime = *timestamp
	}
	return recordBatch{
		roomID:      stringOrEmpty(roomID),
		batchID:     stringOrEmpty(batchID),
		isLastBatch: isLastBatch != nil && *isLastBatch,
		syncTime:    syncTime,
	}
}

func normalizeChatEntries(roomID string, entries []ChatEntryPayload, syncTime int64, batchID *string) []records.ChatMessageRecord {
	chatRecords := make([]records.ChatMessageRecord, 0, len(entries))
	for _, entry := range entries {
		chatRecords = append(chatRecords, records.ChatMessageRecord{
			RoomID:           roomID,
			UserID:           stringOrEmpty(entry.UserID),
			Content:          stringOrEmpty(entry.Content),
			CreatedAtSeconds: int64OrZero(entry.CreatedAt),
			SyncTime:         syncTime,
			BatchID:          batchID,
		})
	}
	return chatRecords
}

// normalizeSessionEntries keeps duration_seconds verbatim; it is never recomputed.
func normalizeSessionEntries(roomID string, entries []SessionEntryPayload, syncTime int64, batchID *string) []records.SessionRecord {
	sessionRecords := make([]records.SessionRecord, 0, len(entries))
	for _, entry := range entries {
		sessionRecords = append(sessionRecords, records.SessionRecord{
			RoomID:          roomID,
			UserID:          stringOrEmpty(entry.UserID),
			JoinTime:        int64OrZero(entry.JoinTime),
			LeaveTime:       entry.LeaveTime,
			DurationSeconds: entry.DurationSeconds,
			SyncTime:        syncTime,
			BatchID:         batchID,
		})
	}
	return sessionRecords
}

func encodeAdminUserIDs(adminUserIDs []string) (datatypes.JSON, error) {
	if adminUserIDs == nil {
		adminUserIDs = []string{}
	}
	encoded, err := json.Marshal(adminUserIDs)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(encoded), nil
}

func rawJSON(raw []byte) datatypes.JSON {
	var compacted bytes.Buffer
	if err := json.Compact(&compacted, raw); err != nil {
		return datatypes.JSON(append([]byte(nil), raw...))
	}
	return datatypes.JSON(compacted.Bytes())
}

func optionalBatchID(batchID string) *string {
	if batchID == "" {
		return nil
	}
	return &batchID
}

func stringOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

func int64OrZero(value *int64) int64 {
	if value == nil {
		return 0
	}
	return *value
}
