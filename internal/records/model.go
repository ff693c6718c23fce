package records

import (
	"gorm.io/datatypes"
)

// Origin distinguishes full (legacy) snapshots from partial (periodic) ones.
type Origin string

const (
	// OriginLegacy marks a snapshot written from a legacy full sync.
	OriginLegacy Origin = "legacy"
	// OriginPeriodic marks a snapshot written from a periodic partial sync.
	OriginPeriodic Origin = "periodic"
)

// Category scopes a batch identifier to the record kind it transfers.
type Category string

const (
	// CategoryChat identifies chat-history batches.
	CategoryChat Category = "chat"
	// CategorySession identifies session-history batches.
	CategorySession Category = "session"
)

// ParseCategory maps a raw category string onto a known Category.
func ParseCategory(value string) (Category, bool) {
	switch Category(value) {
	case CategoryChat:
		return CategoryChat, true
	case CategorySession:
		return CategorySession, true
	default:
		return "", false
	}
}

// RoomSyncSnapshot is one append-only summary row per sync occurrence.
type RoomSyncSnapshot struct {
	ID           int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID       string         `gorm:"column:room_id;size:190;not null;index:idx_room_syncs_room_id"`
	SyncTime     int64          `gorm:"column:sync_time;not null;index:idx_room_syncs_sync_time"`
	Origin       Origin         `gorm:"column:event_type;size:32;not null;default:'legacy'"`
	AdminUserIDs datatypes.JSON `gorm:"column:admin_user_ids"`
	StartTime    int64          `gorm:"column:start_time;not null;default:0"`
	CurrentUsers int64          `gorm:"column:current_users;not null;default:0"`
	PeakUsers    int64          `gorm:"column:peak_users;not null;default:0"`
	TotalJoins   int64          `gorm:"column:total_joins;not null;default:0"`
	ChatCount    int64          `gorm:"column:chat_count;not null;default:0"`
	SessionCount int64          `gorm:"column:session_count;not null;default:0"`
	RawData      datatypes.JSON `gorm:"column:raw_data"`
}

// TableName provides the explicit table binding for GORM.
func (RoomSyncSnapshot) TableName() string {
	return "room_syncs"
}

// ChatMessageRecord stores one observed chat message.
type ChatMessageRecord struct {
	ID               int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID           string  `gorm:"column:room_id;size:190;not null;index:idx_chat_records_room_id;index:idx_chat_records_room_batch,priority:1"`
	UserID           string  `gorm:"column:user_id;size:190;not null;default:''"`
	Content          string  `gorm:"column:content;type:text;not null"`
	CreatedAtSeconds int64   `gorm:"column:created_at;not null;default:0"`
	SyncTime         int64   `gorm:"column:sync_time;not null"`
	BatchID          *string `gorm:"column:batch_id;size:190;index:idx_chat_records_room_batch,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (ChatMessageRecord) TableName() string {
	return "chat_records"
}

// SessionRecord stores one user join/leave session.
type SessionRecord struct {
	ID              int64   `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID          string  `gorm:"column:room_id;size:190;not null;index:idx_session_records_room_id;index:idx_session_records_room_batch,priority:1"`
	UserID          string  `gorm:"column:user_id;size:190;not null;default:''"`
	JoinTime        int64   `gorm:"column:join_time;not null;default:0"`
	LeaveTime       *int64  `gorm:"column:leave_time"`
	DurationSeconds *int64  `gorm:"column:duration_seconds"`
	SyncTime        int64   `gorm:"column:sync_time;not null"`
	BatchID         *string `gorm:"column:batch_id;size:190;index:idx_session_records_room_batch,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (SessionRecord) TableName() string {
	return "session_records"
}

// RoomEvent stores one discrete lifecycle event verbatim.
type RoomEvent struct {
	ID        int64          `gorm:"column:id;primaryKey;autoIncrement"`
	RoomID    string         `gorm:"column:room_id;size:190;not null;index:idx_room_events_room_id"`
	EventType string         `gorm:"column:event_type;size:190;not null;default:''"`
	EventData datatypes.JSON `gorm:"column:event_data;not null"`
	Timestamp int64          `gorm:"column:timestamp;not null;index:idx_room_events_timestamp"`
}

// TableName provides the explicit table binding for GORM.
func (RoomEvent) TableName() string {
	return "room_events"
}

// BatchProgress is the keyed completion side-table for multi-page transfers.
type BatchProgress struct {
	RoomID          string   `gorm:"column:room_id;primaryKey;size:190;not null"`
	Category        Category `gorm:"column:category;primaryKey;size:16;not null"`
	BatchID         string   `gorm:"column:batch_id;primaryKey;size:190;not null"`
	PagesReceived   int64    `gorm:"column:pages_received;not null;default:0"`
	RecordsReceived int64    `gorm:"column:records_received;not null;default:0"`
	Completed       bool     `gorm:"column:completed;not null;default:false"`
	FirstPageAt     int64    `gorm:"column:first_page_at;not null"`
	LastPageAt      int64    `gorm:"column:last_page_at;not null"`
	CompletedAt     int64    `gorm:"column:completed_at;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (BatchProgress) TableName() string {
	return "batch_progress"
}

// BatchState is the derived completion state of a batch descriptor.
type BatchState string

const (
	// BatchStateUnseen means no page has been received for the batch.
	BatchStateUnseen BatchState = "unseen"
	// BatchStateInProgress means pages arrived but none carried the last-batch flag.
	BatchStateInProgress BatchState = "in_progress"
	// BatchStateComplete means at least one page carried the last-batch flag.
	BatchStateComplete BatchState = "complete"
)

// State derives the batch state; a nil progress row is unseen.
func (progress *BatchProgress) State() BatchState {
	if progress == nil || progress.PagesReceived == 0 {
		return BatchStateUnseen
	}
	if progress.Completed {
		return BatchStateComplete
	}
	return BatchStateInProgress
}

// Models lists every table managed by the record store, in migration order.
func Models() []any {
	return []any{
		&RoomSyncSnapshot{},
		&ChatMessageRecord{},
		&SessionRecord{},
		&RoomEvent{},
		&BatchProgress{},
	}
}
