package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/gladys-project/gladys/pkg/executive"
	"github.com/gladys-project/gladys/pkg/memory"
	"github.com/gladys-project/gladys/pkg/orchestrator"
	"github.com/gladys-project/gladys/pkg/types"
)

// startMomentDrain periodically feeds batch-path episodes accumulated since
// the last drain to the executive's ProcessMoment, realizing moment
// processing as a priority-queue-period drain rather than a separate
// windowed batcher (see DESIGN.md's Open Question decision). The in-memory
// cursor is a deliberate scope cut: a crash loses at most one drain
// interval's worth of batch episodes, which is acceptable for the ambient
// "moment" summary this produces (nothing downstream depends on it for
// correctness — the episodes themselves are already durably persisted by
// the time this drain reads them).
func startMomentDrain(ctx context.Context, orch *orchestrator.Orchestrator, exec *executive.Executive, mem *memory.Store, interval time.Duration, logger *slog.Logger) func() {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	stopCh := make(chan struct{})
	doneCh := make(chan struct{})

	go func() {
		defer close(doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		cursor := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopCh:
				return
			case <-ticker.C:
				cursor = drainOnce(ctx, mem, exec, cursor, logger)
			}
		}
	}()

	return func() {
		close(stopCh)
		<-doneCh
	}
}

func drainOnce(ctx context.Context, mem *memory.Store, exec *executive.Executive, since time.Time, logger *slog.Logger) time.Time {
	episodes, err := mem.QueryEpisodes(ctx, memory.ByTime, "", "", 200)
	if err != nil {
		logger.Warn("moment drain: failed to query recent episodes", "error", err)
		return since
	}

	var batch []types.Event
	newest := since
	for _, ep := range episodes {
		if ep.DecisionPath != types.PathBatch || !ep.Timestamp.After(since) {
			continue
		}
		batch = append(batch, ep.Event)
		if ep.Timestamp.After(newest) {
			newest = ep.Timestamp
		}
	}
	if len(batch) == 0 {
		return since
	}

	result := exec.ProcessMoment(ctx, batch)
	if result.ErrorMessage != "" {
		logger.Warn("moment drain: executive reported an error", "error_message", result.ErrorMessage, "event_count", len(batch))
	} else {
		logger.Info("moment drain processed", "event_count", len(batch), "response_id", result.ResponseID)
	}
	return newest
}
