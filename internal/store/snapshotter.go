package store

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/coedit/internal/document"
	"go.uber.org/zap"
)

// DefaultSnapshotInterval is how often in-memory documents are persisted.
const DefaultSnapshotInterval = 5 * time.Second

// SnapshotSource lists the documents currently held in memory.
type SnapshotSource interface {
	Snapshots(ctx context.Context) ([]document.Snapshot, error)
}

// SnapshotSink persists snapshots.
type SnapshotSink interface {
	SaveSnapshots(ctx context.Context, snapshots []document.Snapshot) (int64, error)
}

type SnapshotterConfig struct {
	Source   SnapshotSource
	Sink     SnapshotSink
	Interval time.Duration
	Logger   *zap.Logger
}

// Snapshotter copies live documents into durable storage on a fixed interval.
type Snapshotter struct {
	source   SnapshotSource
	sink     SnapshotSink
	interval time.Duration
	logger   *zap.Logger
}

func NewSnapshotter(cfg SnapshotterConfig) *Snapshotter {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultSnapshotInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Snapshotter{
		source:   cfg.Source,
		sink:     cfg.Sink,
		interval: interval,
		logger:   logger,
	}
}

// Flush persists every document once.
func (s *Snapshotter) Flush(ctx context.Context) (int64, error) {
	snapshots, err := s.source.Snapshots(ctx)
	if err != nil {
		return 0, err
	}
	return s.sink.SaveSnapshots(ctx, snapshots)
}

// Run flushes on every tick until ctx is done, then flushes one last time.
func (s *Snapshotter) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			written, err := s.Flush(context.WithoutCancel(ctx))
			if err != nil {
				s.logger.Error("final snapshot flush failed", zap.Error(err))
				return
			}
			s.logger.Info("final snapshot flush", zap.Int64("documents", written))
			return
		case <-ticker.C:
			written, err := s.Flush(ctx)
			if err != nil {
				s.logger.Warn("snapshot flush failed", zap.Error(err))
				continue
			}
			if written > 0 {
				s.logger.Debug("snapshots persisted", zap.Int64("documents", written))
			}
		}
	}
}
