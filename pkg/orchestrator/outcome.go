package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/gladys-project/gladys/pkg/types"
)

// DefaultOutcomeDeadline is how long a heuristic fire waits for feedback
// before being marked outcome=unknown.
const DefaultOutcomeDeadline = 60 * time.Second

// FireResolver is the subset of the Memory Store the outcome watcher needs
// to resolve a pending fire.
type FireResolver interface {
	ResolveHeuristicFire(ctx context.Context, fireID string, outcome types.FireOutcome, feedbackSource types.FeedbackSource) error
}

type pendingFire struct {
	fireID      string
	heuristicID string
	eventID     string
	deadline    time.Time
}

// OutcomeWatcher registers heuristic fires as pending and resolves them
// either from explicit feedback, a correlated implicit signal, or deadline
// expiry. Access to the pending list is serialized by a single mutex — no
// per-entry locking, since the volumes involved (one entry per fire) don't
// warrant finer-grained contention control.
type OutcomeWatcher struct {
	mu       sync.Mutex
	pending  map[string]*pendingFire // fireID -> entry
	byEvent  map[string][]string     // eventID -> fireIDs, for implicit correlation
	deadline time.Duration

	resolver FireResolver
	logger   *slog.Logger

	cronSched *cron.Cron
}

// NewOutcomeWatcher constructs an OutcomeWatcher. deadline<=0 uses
// DefaultOutcomeDeadline.
func NewOutcomeWatcher(resolver FireResolver, deadline time.Duration, logger *slog.Logger) *OutcomeWatcher {
	if deadline <= 0 {
		deadline = DefaultOutcomeDeadline
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutcomeWatcher{
		pending:  make(map[string]*pendingFire),
		byEvent:  make(map[string][]string),
		deadline: deadline,
		resolver: resolver,
		logger:   logger,
	}
}

// RegisterFire records a newly fired heuristic as pending a terminal
// outcome.
func (w *OutcomeWatcher) RegisterFire(fireID, heuristicID, eventID string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[fireID] = &pendingFire{
		fireID:      fireID,
		heuristicID: heuristicID,
		eventID:     eventID,
		deadline:    time.Now().Add(w.deadline),
	}
	w.byEvent[eventID] = append(w.byEvent[eventID], fireID)
}

// ResolveExplicit resolves a pending fire from explicit user feedback.
func (w *OutcomeWatcher) ResolveExplicit(ctx context.Context, fireID string, outcome types.FireOutcome) error {
	return w.resolve(ctx, fireID, outcome, types.FeedbackExplicit)
}

// ResolveImplicitByEvent resolves the most recent pending fire correlated
// with eventID from a downstream implicit signal (e.g. a subsequent event
// indicating the prior response succeeded or failed).
func (w *OutcomeWatcher) ResolveImplicitByEvent(ctx context.Context, eventID string, outcome types.FireOutcome) error {
	w.mu.Lock()
	fireIDs := w.byEvent[eventID]
	var target string
	if len(fireIDs) > 0 {
		target = fireIDs[len(fireIDs)-1]
	}
	w.mu.Unlock()

	if target == "" {
		return nil // nothing pending for this event; not an error
	}
	return w.resolve(ctx, target, outcome, types.FeedbackImplicit)
}

func (w *OutcomeWatcher) resolve(ctx context.Context, fireID string, outcome types.FireOutcome, source types.FeedbackSource) error {
	w.mu.Lock()
	entry, ok := w.pending[fireID]
	if ok {
		delete(w.pending, fireID)
		w.removeFromEventIndexLocked(entry)
	}
	w.mu.Unlock()

	if !ok {
		return nil // already resolved or expired; ResolveHeuristicFire itself is idempotent-checked downstream
	}
	return w.resolver.ResolveHeuristicFire(ctx, fireID, outcome, source)
}

// removeFromEventIndexLocked must be called with mu held.
func (w *OutcomeWatcher) removeFromEventIndexLocked(entry *pendingFire) {
	ids := w.byEvent[entry.eventID]
	for i, id := range ids {
		if id == entry.fireID {
			w.byEvent[entry.eventID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(w.byEvent[entry.eventID]) == 0 {
		delete(w.byEvent, entry.eventID)
	}
}

// CleanupExpired scans the pending list for entries past their deadline and
// marks them outcome=unknown. Intended to run periodically (see Start).
func (w *OutcomeWatcher) CleanupExpired(ctx context.Context) {
	now := time.Now()

	w.mu.Lock()
	var expired []*pendingFire
	for fireID, entry := range w.pending {
		if now.After(entry.deadline) {
			expired = append(expired, entry)
			delete(w.pending, fireID)
			w.removeFromEventIndexLocked(entry)
		}
	}
	w.mu.Unlock()

	for _, entry := range expired {
		if err := w.resolver.ResolveHeuristicFire(ctx, entry.fireID, types.OutcomeUnknown, types.FeedbackImplicit); err != nil {
			w.logger.Warn("failed to expire pending heuristic fire", "fire_id", entry.fireID, "error", err)
		}
	}
}

// Start launches the periodic expiry scanner on a fixed cron schedule
// (every 10s) and returns a stop function.
func (w *OutcomeWatcher) Start(ctx context.Context) func() {
	w.cronSched = cron.New()
	_, err := w.cronSched.AddFunc("@every 10s", func() { w.CleanupExpired(ctx) })
	if err != nil {
		w.logger.Error("failed to schedule outcome expiry scanner", "error", err)
	}
	w.cronSched.Start()
	return func() { <-w.cronSched.Stop().Done() }
}

// PendingCount reports how many fires currently await resolution.
func (w *OutcomeWatcher) PendingCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}
