package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gladys-project/gladys/pkg/types"
)

type stubResolver struct {
	resolved map[string]types.FireOutcome
	sources  map[string]types.FeedbackSource
}

func newStubResolver() *stubResolver {
	return &stubResolver{resolved: make(map[string]types.FireOutcome), sources: make(map[string]types.FeedbackSource)}
}

func (s *stubResolver) ResolveHeuristicFire(_ context.Context, fireID string, outcome types.FireOutcome, source types.FeedbackSource) error {
	s.resolved[fireID] = outcome
	s.sources[fireID] = source
	return nil
}

func TestOutcomeWatcherExplicitResolution(t *testing.T) {
	resolver := newStubResolver()
	w := NewOutcomeWatcher(resolver, time.Minute, nil)

	w.RegisterFire("fire-1", "heur-1", "event-1")
	require.Equal(t, 1, w.PendingCount())

	err := w.ResolveExplicit(context.Background(), "fire-1", types.OutcomeSuccess)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeSuccess, resolver.resolved["fire-1"])
	assert.Equal(t, types.FeedbackExplicit, resolver.sources["fire-1"])
	assert.Equal(t, 0, w.PendingCount())
}

func TestOutcomeWatcherImplicitResolutionByEvent(t *testing.T) {
	resolver := newStubResolver()
	w := NewOutcomeWatcher(resolver, time.Minute, nil)

	w.RegisterFire("fire-1", "heur-1", "event-1")

	err := w.ResolveImplicitByEvent(context.Background(), "event-1", types.OutcomeFail)
	require.NoError(t, err)

	assert.Equal(t, types.OutcomeFail, resolver.resolved["fire-1"])
	assert.Equal(t, types.FeedbackImplicit, resolver.sources["fire-1"])
}

func TestOutcomeWatcherResolveUnknownFireIsNoop(t *testing.T) {
	resolver := newStubResolver()
	w := NewOutcomeWatcher(resolver, time.Minute, nil)

	err := w.ResolveExplicit(context.Background(), "never-registered", types.OutcomeSuccess)
	require.NoError(t, err)
	assert.Empty(t, resolver.resolved)
}

func TestOutcomeWatcherCleanupExpiresToUnknown(t *testing.T) {
	resolver := newStubResolver()
	w := NewOutcomeWatcher(resolver, time.Millisecond, nil)

	w.RegisterFire("fire-1", "heur-1", "event-1")
	time.Sleep(5 * time.Millisecond)

	w.CleanupExpired(context.Background())

	assert.Equal(t, types.OutcomeUnknown, resolver.resolved["fire-1"])
	assert.Equal(t, 0, w.PendingCount())
}

func TestOutcomeWatcherDoubleResolutionOnlyFirstWins(t *testing.T) {
	resolver := newStubResolver()
	w := NewOutcomeWatcher(resolver, time.Minute, nil)

	w.RegisterFire("fire-1", "heur-1", "event-1")
	require.NoError(t, w.ResolveExplicit(context.Background(), "fire-1", types.OutcomeSuccess))

	// second resolution attempt for the same fire is a local no-op (the
	// entry was already removed from the pending list); the storage layer's
	// own idempotency guard is what actually enforces "resolvable exactly
	// once" end-to-end.
	require.NoError(t, w.ResolveExplicit(context.Background(), "fire-1", types.OutcomeFail))
	assert.Equal(t, types.OutcomeSuccess, resolver.resolved["fire-1"])
}
