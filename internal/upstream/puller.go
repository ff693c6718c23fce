package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/roomsync/internal/ingest"
	"go.uber.org/zap"
)

var (
	errMissingSource   = errors.New("sync source is required")
	errMissingIngestor = errors.New("legacy sync ingestor is required")
)

// SyncSource yields raw full-sync payloads.
type SyncSource interface {
	FetchSyncPayloads(ctx context.Context) ([]json.RawMessage, error)
}

// LegacyIngestor stores one legacy full-sync payload.
type LegacyIngestor interface {
	IngestLegacySync(ctx context.Context, body []byte) (ingest.Result, error)
}

type PullerConfig struct {
	Source   SyncSource
	Ingestor LegacyIngestor
	Logger   *zap.Logger
}

// Puller feeds pulled payloads through the same path as pushed legacy syncs.
type Puller struct {
	source   SyncSource
	ingestor LegacyIngestor
	logger   *zap.Logger
}

func NewPuller(cfg PullerConfig) (*Puller, error) {
	if cfg.Source == nil {
		return nil, errMissingSource
	}
	if cfg.Ingestor == nil {
		return nil, errMissingIngestor
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Puller{source: cfg.Source, ingestor: cfg.Ingestor, logger: logger}, nil
}

// PullReport summarizes one pull.
type PullReport struct {
	Fetched int
	Stored  int
	Failed  int
}

// PullOnce stores every fetched payload independently; one room's failure
// is logged and counted without affecting the others.
func (p *Puller) PullOnce(ctx context.Context) (PullReport, error) {
	payloads, err := p.source.FetchSyncPayloads(ctx)
	if err != nil {
		p.logger.Error("upstream pull failed", zap.Error(err))
		return PullReport{}, err
	}

	report := PullReport{Fetched: len(payloads)}
	for index, payload := range payloads {
		result, err := p.ingestor.IngestLegacySync(ctx, payload)
		if err != nil {
			report.Failed++
			p.logger.Warn("pulled payload rejected", zap.Int("index", index), zap.Error(err))
			continue
		}
		report.Stored++
		p.logger.Debug("pulled payload stored", zap.String("room_id", result.RoomID))
	}

	p.logger.Info("upstream pull finished",
		zap.Int("fetched", report.Fetched),
		zap.Int("stored", report.Stored),
		zap.Int("failed", report.Failed))
	return report, nil
}

// Run pulls immediately and then once per interval until ctx is cancelled.
// A failed tick is logged and the next tick runs normally.
func (p *Puller) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		_, _ = p.PullOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
