package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const migrationBackfillBatchProgress = "2026-10-01_backfill_batch_progress"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationBackfillBatchProgress, apply: backfillBatchProgress},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

type batchAggregate struct {
	RoomID    string `gorm:"column:room_id"`
	BatchID   string `gorm:"column:batch_id"`
	Pages     int64  `gorm:"column:pages"`
	Records   int64  `gorm:"column:records"`
	FirstPage int64  `gorm:"column:first_page"`
	LastPage  int64  `gorm:"column:last_page"`
}

// backfillBatchProgress derives descriptors for batch rows stored before the
// progress table existed. Each distinct sync_time counts as one page and the
// terminal flag is unknown, so every backfilled batch stays incomplete.
func backfillBatchProgress(db *gorm.DB) error {
	sources := []struct {
		category records.Category
		model    any
	}{
		{category: records.CategoryChat, model: &records.ChatMessageRecord{}},
		{category: records.CategorySession, model: &records.SessionRecord{}},
	}

	for _, source := range sources {
		var aggregates []batchAggregate
		err := db.Model(source.model).
			Select("room_id, batch_id, COUNT(DISTINCT sync_time) AS pages, COUNT(*) AS records, MIN(sync_time) AS first_page, MAX(sync_time) AS last_page").
			Where("batch_id IS NOT NULL AND batch_id <> ''").
			Group("room_id, batch_id").
			Scan(&aggregates).Error
		if err != nil {
			return err
		}
		if len(aggregates) == 0 {
			continue
		}

		progress := make([]records.BatchProgress, 0, len(aggregates))
		for _, aggregate := range aggregates {
			progress = append(progress, records.BatchProgress{
				RoomID:          aggregate.RoomID,
				Category:        source.category,
				BatchID:         aggregate.BatchID,
				PagesReceived:   aggregate.Pages,
				RecordsReceived: aggregate.Records,
				FirstPageAt:     aggregate.FirstPage,
				LastPageAt:      aggregate.LastPage,
			})
		}
		if err := db.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(&progress, 500).Error; err != nil {
			return err
		}
	}
	return nil
}
