package records

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	fieldRoomID       = "room_id"
	queryRoomID       = fieldRoomID + " = ?"
	queryBatchKey     = fieldRoomID + " = ? AND category = ? AND batch_id = ?"
	querySyncSince    = "sync_time >= ?"
	orderSyncTimeDesc = "sync_time DESC, id DESC"
	orderEventsDesc   = "timestamp DESC, id DESC"
	insertBatchSize   = 500
)

var errMissingDatabase = errors.New("database handle is required")

// Store is the record store over the append-only room history tables.
// A Store obtained inside Transaction shares that transaction.
type Store struct {
	db *gorm.DB
}

// NewStore wraps an opened GORM handle.
func NewStore(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	return &Store{db: db}, nil
}

// Transaction runs fn against a Store bound to a single database transaction.
func (store *Store) Transaction(ctx context.Context, fn func(transactional *Store) error) error {
	if store == nil || store.db == nil {
		return errMissingDatabase
	}
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(&Store{db: transaction})
	})
}

func (store *Store) session(ctx context.Context) (*gorm.DB, error) {
	if store == nil || store.db == nil {
		return nil, errMissingDatabase
	}
	return store.db.WithContext(ctx), nil
}

// InsertSnapshot appends one room snapshot row.
func (store *Store) InsertSnapshot(ctx context.Context, snapshot *RoomSyncSnapshot) error {
	db, err := store.session(ctx)
	if err != nil {
		return err
	}
	return db.Create(snapshot).Error
}

// InsertChatRecords appends chat rows; an empty slice is a no-op.
func (store *Store) InsertChatRecords(ctx context.Context, chatRecords []ChatMessageRecord) error {
	if len(chatRecords) == 0 {
		return nil
	}
	db, err := store.session(ctx)
	if err != nil {
		return err
	}
	return db.CreateInBatches(chatRecords, insertBatchSize).Error
}

// InsertSessionRecords appends session rows; an empty slice is a no-op.
func (store *Store) InsertSessionRecords(ctx context.Context, sessionRecords []SessionRecord) error {
	if len(sessionRecords) == 0 {
		return nil
	}
	db, err := store.session(ctx)
	if err != nil {
		return err
	}
	return db.CreateInBatches(sessionRecords, insertBatchSize).Error
}

// InsertRoomEvent appends one lifecycle event row.
func (store *Store) InsertRoomEvent(ctx context.Context, event *RoomEvent) error {
	db, err := store.session(ctx)
	if err != nil {
		return err
	}
	return db.Create(event).Error
}

// BatchPage describes one received page of a multi-page transfer.
type BatchPage struct {
	RoomID     string
	Category   Category
	BatchID    string
	Records    int
	IsLast     bool
	ReceivedAt int64
}

// BatchPageOutcome reports the descriptor before and after a page was applied.
type BatchPageOutcome struct {
	Previous BatchState
	Progress BatchProgress
}

// RecordBatchPage folds one page into the batch progress side-table.
// Completion is sticky: a later non-terminal page never clears it.
// The descriptor row is inserted idempotently before it is locked, so
// concurrent first pages for the same batch serialize on the row lock
// instead of racing on the primary key.
func (store *Store) RecordBatchPage(ctx context.Context, page BatchPage) (BatchPageOutcome, error) {
	db, err := store.session(ctx)
	if err != nil {
		return BatchPageOutcome{}, err
	}

	placeholder := BatchProgress{
		RoomID:      page.RoomID,
		Category:    page.Category,
		BatchID:     page.BatchID,
		FirstPageAt: page.ReceivedAt,
		LastPageAt:  page.ReceivedAt,
	}
	err = db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: fieldRoomID}, {Name: "category"}, {Name: "batch_id"}},
		DoNothing: true,
	}).Create(&placeholder).Error
	if err != nil {
		return BatchPageOutcome{}, err
	}

	var existing BatchProgress
	err = db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where(queryBatchKey, page.RoomID, page.Category, page.BatchID).
		Take(&existing).Error
	if err != nil {
		return BatchPageOutcome{}, err
	}

	previous := existing.State()
	if existing.PagesReceived == 0 {
		existing.FirstPageAt = page.ReceivedAt
	}
	existing.PagesReceived++
	existing.RecordsReceived += int64(page.Records)
	existing.LastPageAt = page.ReceivedAt
	if page.IsLast {
		existing.Completed = true
		existing.CompletedAt = page.ReceivedAt
	}
	if err := db.Save(&existing).Error; err != nil {
		return BatchPageOutcome{}, err
	}
	return BatchPageOutcome{Previous: previous, Progress: existing}, nil
}

// FindBatchProgress returns nil when the batch has never been seen.
func (store *Store) FindBatchProgress(ctx context.Context, roomID string, category Category, batchID string) (*BatchProgress, error) {
	db, err := store.session(ctx)
	if err != nil {
		return nil, err
	}
	var progress BatchProgress
	err = db.Where(queryBatchKey, roomID, category, batchID).Take(&progress).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &progress, nil
}

// LatestSnapshot returns the newest snapshot for a room, or nil when none exists.
func (store *Store) LatestSnapshot(ctx context.Context, roomID string) (*RoomSyncSnapshot, error) {
	db, err := store.session(ctx)
	if err != nil {
		return nil, err
	}
	var snapshot RoomSyncSnapshot
	err = db.Where(queryRoomID, roomID).Order(orderSyncTimeDesc).Take(&snapshot).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// RoomSummary is one snapshot-anchored room with its newest sync time.
type RoomSummary struct {
	RoomID   string `gorm:"column:room_id"`
	LastSync int64  `gorm:"column:last_sync"`
}

// RoomSummaries lists distinct snapshot rooms, most recently synced first.
func (store *Store) RoomSummaries(ctx context.Context) ([]RoomSummary, error) {
	db, err := store.session(ctx)
	if err != nil {
		return nil, err
	}
	summaries := make([]RoomSummary, 0)
	err = db.Model(&RoomSyncSnapshot{}).
		Select("room_id, MAX(sync_time) AS last_sync").
		Group(fieldRoomID).
		Order("last_sync DESC").
		Order("room_id ASC").
		Scan(&summaries).Error
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// CountRoomRows counts rows of model belonging to one room.
func (store *Store) CountRoomRows(ctx context.Context, model any, roomID string) (int64, error) {
	db, err := store.session(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(model).Where(queryRoomID, roomID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountRows counts every row of model.
func (store *Store) CountRows(ctx context.Context, model any) (int64, error) {
	db, err := store.session(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(model).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountDistinctSnapshotRooms counts rooms that have at least one snapshot.
func (store *Store) CountDistinctSnapshotRooms(ctx context.Context) (int64, error) {
	db, err := store.session(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(&RoomSyncSnapshot{}).Distinct(fieldRoomID).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// CountSnapshotsSince counts snapshot rows with sync_time >= since.
func (store *Store) CountSnapshotsSince(ctx context.Context, since int64) (int64, error) {
	db, err := store.session(ctx)
	if err != nil {
		return 0, err
	}
	var count int64
	if err := db.Model(&RoomSyncSnapshot{}).Where(querySyncSince, since).Count(&count).Error; err != nil {
		return 0, err
	}
	return count, nil
}

// RecentRoomEvents returns up to limit events for a room, newest first.
func (store *Store) RecentRoomEvents(ctx context.Context, roomID string, limit int) ([]RoomEvent, error) {
	db, err := store.session(ctx)
	if err != nil {
		return nil, err
	}
	events := make([]RoomEvent, 0, limit)
	err = db.Where(queryRoomID, roomID).
		Order(orderEventsDesc).
		Limit(limit).
		Find(&events).Error
	if err != nil {
		return nil, err
	}
	return events, nil
}

// ChatRecordsPage returns one page of a room's chat records ordered by created_at ascending.
func (store *Store) ChatRecordsPage(ctx context.Context, request PageRequest) ([]ChatMessageRecord, int64, error) {
	chatRecords := make([]ChatMessageRecord, 0, request.Limit())
	total, err := store.historyPage(ctx, &ChatMessageRecord{}, "created_at", request, &chatRecords)
	if err != nil {
		return nil, 0, err
	}
	return chatRecords, total, nil
}

// SessionRecordsPage returns one page of a room's sessions ordered by join_time ascending.
func (store *Store) SessionRecordsPage(ctx context.Context, request PageRequest) ([]SessionRecord, int64, error) {
	sessionRecords := make([]SessionRecord, 0, request.Limit())
	total, err := store.historyPage(ctx, &SessionRecord{}, "join_time", request, &sessionRecords)
	if err != nil {
		return nil, 0, err
	}
	return sessionRecords, total, nil
}

func (store *Store) historyPage(ctx context.Context, model any, timeColumn string, request PageRequest, destination any) (int64, error) {
	db, err := store.session(ctx)
	if err != nil {
		return 0, err
	}

	scoped := db.Model(model).Where(queryRoomID, request.RoomID())
	if from := request.From(); from != nil {
		scoped = scoped.Where(timeColumn+" >= ?", *from)
	}
	if to := request.To(); to != nil {
		scoped = scoped.Where(timeColumn+" <= ?", *to)
	}

	var total int64
	if err := scoped.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}

	err = scoped.Session(&gorm.Session{}).
		Order(timeColumn + " ASC").
		Order("id ASC").
		Limit(request.Limit()).
		Offset(request.Offset()).
		Find(destination).Error
	if err != nil {
		return 0, err
	}
	return total, nil
}
