package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func stringPointer(value string) *string {
	return &value
}

func TestApplyMigrationsBackfillsBatchProgress(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(append(records.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	chats := []records.ChatMessageRecord{
		{RoomID: "room-1", Content: "a", SyncTime: 100, BatchID: stringPointer("b1")},
		{RoomID: "room-1", Content: "b", SyncTime: 100, BatchID: stringPointer("b1")},
		{RoomID: "room-1", Content: "c", SyncTime: 160, BatchID: stringPointer("b1")},
		{RoomID: "room-1", Content: "legacy", SyncTime: 90},
	}
	if err := database.Create(&chats).Error; err != nil {
		testContext.Fatalf("failed to insert chats: %v", err)
	}
	sessions := []records.SessionRecord{
		{RoomID: "room-1", UserID: "u1", SyncTime: 200, BatchID: stringPointer("b1")},
	}
	if err := database.Create(&sessions).Error; err != nil {
		testContext.Fatalf("failed to insert sessions: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var chatProgress records.BatchProgress
	if err := database.Where("room_id = ? AND category = ? AND batch_id = ?", "room-1", records.CategoryChat, "b1").Take(&chatProgress).Error; err != nil {
		testContext.Fatalf("expected chat progress row: %v", err)
	}
	if chatProgress.PagesReceived != 2 || chatProgress.RecordsReceived != 3 {
		testContext.Fatalf("unexpected chat progress %+v", chatProgress)
	}
	if chatProgress.FirstPageAt != 100 || chatProgress.LastPageAt != 160 {
		testContext.Fatalf("unexpected chat page times %+v", chatProgress)
	}
	if chatProgress.Completed {
		testContext.Fatalf("expected backfilled batch to stay incomplete")
	}

	var sessionProgress records.BatchProgress
	if err := database.Where("room_id = ? AND category = ? AND batch_id = ?", "room-1", records.CategorySession, "b1").Take(&sessionProgress).Error; err != nil {
		testContext.Fatalf("expected session progress row: %v", err)
	}
	if sessionProgress.RecordsReceived != 1 {
		testContext.Fatalf("unexpected session progress %+v", sessionProgress)
	}

	var progressRows int64
	database.Model(&records.BatchProgress{}).Count(&progressRows)
	if progressRows != 2 {
		testContext.Fatalf("expected 2 progress rows, got %d", progressRows)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationBackfillBatchProgress).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(testContext *testing.T) {
	database, err := gorm.Open(sqlite.Open(filepath.Join(testContext.TempDir(), "once.db")), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	if err := database.AutoMigrate(append(records.Models(), &migrationRecord{})...); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("first run failed: %v", err)
	}

	if err := database.Create(&records.ChatMessageRecord{RoomID: "room-1", Content: "late", SyncTime: 5, BatchID: stringPointer("b9")}).Error; err != nil {
		testContext.Fatalf("failed to insert chat: %v", err)
	}
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("second run failed: %v", err)
	}

	var progressRows int64
	database.Model(&records.BatchProgress{}).Count(&progressRows)
	if progressRows != 0 {
		testContext.Fatalf("expected migration to be skipped on second run, got %d rows", progressRows)
	}
}

func TestOpenSQLiteCreatesTables(testContext *testing.T) {
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "open.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	for _, model := range records.Models() {
		if !database.Migrator().HasTable(model) {
			testContext.Fatalf("expected table for %T", model)
		}
	}
	if !database.Migrator().HasTable(&migrationRecord{}) {
		testContext.Fatalf("expected migrations table")
	}

	if _, err := Open(Config{Driver: "postgres"}, nil); err == nil {
		testContext.Fatalf("expected unsupported driver error")
	}
	if _, err := Open(Config{Driver: "sqlite"}, nil); err == nil {
		testContext.Fatalf("expected missing path error")
	}
}
