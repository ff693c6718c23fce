package ingest

import (
	"context"

	"github.com/MarcoPoloResearchLab/roomsync/internal/records"
	"go.uber.org/zap"
)

// batchTracker folds received pages into the batch progress side-table.
// It must be called with a transactional store so progress commits with the page rows.
type batchTracker struct {
	logger *zap.Logger
}

// observe returns the descriptor state after the page; pages without a batch id are untracked.
func (tracker batchTracker) observe(ctx context.Context, transactional *records.Store, category records.Category, batch recordBatch) (records.BatchState, error) {
	if batch.batchID == "" {
		return records.BatchStateUnseen, nil
	}

	outcome, err := transactional.RecordBatchPage(ctx, records.BatchPage{
		RoomID:     batch.roomID,
		Category:   category,
		BatchID:    batch.batchID,
		Records:    batch.size(),
		IsLast:     batch.isLastBatch,
		ReceivedAt: batch.syncTime,
	})
	if err != nil {
		return "", err
	}

	current := outcome.Progress.State()
	fields := []zap.Field{
		zap.String("room_id", batch.roomID),
		zap.String("category", string(category)),
		zap.String("batch_id", batch.batchID),
		zap.Int64("pages_received", outcome.Progress.PagesReceived),
	}
	switch {
	case outcome.Previous == records.BatchStateComplete:
		tracker.logger.Info("batch page received after completion", fields...)
	case current == records.BatchStateComplete:
		tracker.logger.Info("batch completed", append(fields, zap.Int64("records_received", outcome.Progress.RecordsReceived))...)
	}
	return current, nil
}
