// Package retention implements GLADyS's periodic archival sweep, adapted
// from the reference orchestrator's session/event retention service: instead
// of soft-deleting sessions and orphaned events, it flags aged episodic
// events archived and prunes already-processed feedback rows.
package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/gladys-project/gladys/pkg/config"
	"github.com/gladys-project/gladys/pkg/storage"
)

// Service periodically enforces retention policy:
//   - Flags episodic events older than EpisodeRetention as archived
//   - Deletes feedback events already processed, older than FeedbackTTL
//
// Both sweeps are idempotent and safe to run concurrently with ordinary
// read/write traffic.
type Service struct {
	cfg    config.RetentionConfig
	db     *storage.Client
	logger *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewService constructs a Service.
func NewService(cfg config.RetentionConfig, db *storage.Client, logger *slog.Logger) *Service {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Hour
	}
	if cfg.ArchiveBatchSize <= 0 {
		cfg.ArchiveBatchSize = 500
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, db: db, logger: logger}
}

// Start launches the background sweep loop and returns a stop function.
func (s *Service) Start(ctx context.Context) func() {
	if s.cancel != nil {
		return func() {}
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)

	s.logger.Info("retention service started",
		"episode_retention", s.cfg.EpisodeRetention,
		"feedback_ttl", s.cfg.FeedbackTTL,
		"sweep_interval", s.cfg.SweepInterval)

	return s.Stop
}

// Stop signals the sweep loop to exit and waits for it to finish.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.logger.Info("retention service stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.runAll(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runAll(ctx)
		}
	}
}

func (s *Service) runAll(ctx context.Context) {
	s.archiveOldEpisodes(ctx)
	s.pruneProcessedFeedback(ctx)
}

func (s *Service) archiveOldEpisodes(ctx context.Context) {
	if s.cfg.EpisodeRetention <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.EpisodeRetention)
	n, err := s.db.Episodes.ArchiveOlderThan(ctx, cutoff, s.cfg.ArchiveBatchSize)
	if err != nil {
		s.logger.Warn("retention: archive old episodes failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention: archived old episodes", "count", n)
	}
}

func (s *Service) pruneProcessedFeedback(ctx context.Context) {
	if s.cfg.FeedbackTTL <= 0 {
		return
	}
	cutoff := time.Now().Add(-s.cfg.FeedbackTTL)
	n, err := s.db.Feedback.DeleteProcessedOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Warn("retention: prune processed feedback failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("retention: pruned processed feedback", "count", n)
	}
}
