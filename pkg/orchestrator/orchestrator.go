package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gladys-project/gladys/pkg/salience"
	"github.com/gladys-project/gladys/pkg/types"
)

// RPC timeout budgets.
const (
	PublishTimeout   = 100 * time.Millisecond
	HeartbeatTimeout = 5 * time.Second
	SlowPathTimeout  = 10 * time.Second
	SalienceTimeout  = 500 * time.Millisecond
)

// SystemMetricsSource is the reserved event source that bypasses salience
// scoring entirely and is routed to the system-metrics handler rather than
// persisted as an episodic event.
const SystemMetricsSource = "system.metrics"

const defaultHighThreshold = 0.7

// SalienceEvaluator is the subset of the Salience Gateway the orchestrator
// depends on.
type SalienceEvaluator interface {
	EvaluateSalience(ctx context.Context, eventID, source, rawText string, structured map[string]any, entityIDs []string) salience.EvaluateResult
}

// MemoryStore is the subset of the Memory Store the orchestrator depends on.
type MemoryStore interface {
	StoreEpisode(ctx context.Context, ep *types.EpisodicEvent) (string, error)
	RecordHeuristicFire(ctx context.Context, heuristicID, eventID, episodicEventID string) (*types.HeuristicFire, error)
	ResolveHeuristicFire(ctx context.Context, fireID string, outcome types.FireOutcome, feedbackSource types.FeedbackSource) error
}

// Executive is the subset of the Decision/Learning Layer the orchestrator
// dispatches slow-path events to.
type Executive interface {
	ProcessEvent(ctx context.Context, event types.Event, immediate bool) ExecResult
	ProvideFeedback(ctx context.Context, event types.Event, responseText string, positive bool) FeedbackDispatchResult
}

// ExecResult mirrors executive.ProcessResult without importing pkg/executive
// directly, keeping the orchestrator's dependency surface to interfaces it
// owns (the cmd/gladys wiring layer adapts the concrete type).
type ExecResult struct {
	ResponseID           string
	ResponseText         string
	PredictedSuccess     float64
	PredictionConfidence float64
	Accepted             bool
	ErrorMessage         string
}

// FeedbackDispatchResult mirrors executive.FeedbackResult.
type FeedbackDispatchResult struct {
	HeuristicCreatedID string
	HeuristicUpdatedID string
	Rejected           string
}

// SystemMetricsHandler processes system.metrics events, which never reach
// persistence or salience scoring.
type SystemMetricsHandler func(ctx context.Context, event types.Event)

// Config tunes the orchestrator's routing and queue policy.
type Config struct {
	HighThreshold      float64
	QueueCapacity      int
	WorkerCount        int
	OutcomeDeadline    time.Duration
	DeadComponentAfter time.Duration
}

// Orchestrator is the Event Orchestrator: the single ingress for events,
// coordinating salience evaluation, persistence, slow-path dispatch,
// subscriber fan-out, and sensor lifecycle. The worker loop generalizes a
// poll-and-claim pattern from a single-session claim model to a bounded
// in-memory priority queue.
type Orchestrator struct {
	cfg Config

	Registry    *Registry
	Queue       *PriorityQueue
	Outcome     *OutcomeWatcher
	Subscribers *SubscriberHub

	salienceGw     SalienceEvaluator
	memory         MemoryStore
	executive      Executive
	metricsHandler SystemMetricsHandler

	logger *slog.Logger

	// matchedByEvent carries a fast-path heuristic match from PublishEvent
	// (where the Salience Gateway call happens) to the worker's route() call
	// (where the fire is recorded), since the priority queue itself only
	// carries (event, salience) pairs.
	mu             sync.Mutex
	matchedByEvent map[string]string

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs an Orchestrator. metricsHandler may be nil (system.metrics
// events are then simply dropped after the bypass check).
func New(cfg Config, salienceGw SalienceEvaluator, memory MemoryStore, executive Executive, metricsHandler SystemMetricsHandler, logger *slog.Logger) *Orchestrator {
	if cfg.HighThreshold <= 0 {
		cfg.HighThreshold = defaultHighThreshold
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := NewRegistry()
	queue := NewPriorityQueue(cfg.QueueCapacity)
	subs := NewSubscriberHub(logger)

	o := &Orchestrator{
		cfg:            cfg,
		Registry:       registry,
		Queue:          queue,
		Subscribers:    subs,
		salienceGw:     salienceGw,
		memory:         memory,
		executive:      executive,
		metricsHandler: metricsHandler,
		logger:         logger,
		matchedByEvent: make(map[string]string),
		stopCh:         make(chan struct{}),
	}
	o.Outcome = NewOutcomeWatcher(memory, cfg.OutcomeDeadline, logger)
	return o
}

// Start launches the worker pool, the outcome expiry scanner, and the
// dead-component scanner.
func (o *Orchestrator) Start(ctx context.Context) func() {
	stopOutcome := o.Outcome.Start(ctx)

	for i := 0; i < o.cfg.WorkerCount; i++ {
		o.wg.Add(1)
		go o.runWorker(ctx, fmt.Sprintf("worker-%d", i))
	}

	o.wg.Add(1)
	go o.runDeadComponentScanner(ctx)

	return func() {
		o.stop()
		stopOutcome()
	}
}

func (o *Orchestrator) stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
		o.Queue.Close()
	})
	o.wg.Wait()
}

// PublishEvent accepts a single event, scores its salience and pushes it onto
// the priority queue. It returns accepted=false with "queue_full" when the
// queue rejects the event, and accepted=true otherwise. The event is persisted
// later by a worker (route), so a persistence failure is only logged there
// and is not reported in this ack.
func (o *Orchestrator) PublishEvent(ctx context.Context, event types.Event) (accepted bool, errorMessage string) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ctx, cancel := context.WithTimeout(ctx, PublishTimeout)
	defer cancel()

	if event.Source == SystemMetricsSource {
		o.dispatchSystemMetrics(event)
		return true, ""
	}

	salienceResult, matchedHeuristicID, err := o.resolveSalience(ctx, event)
	if err != nil {
		o.logger.Warn("salience evaluation degraded", "event_id", event.ID, "error", err)
	}
	event.Salience = &salienceResult

	if matchedHeuristicID != "" {
		o.mu.Lock()
		o.matchedByEvent[event.ID] = matchedHeuristicID
		o.mu.Unlock()
	}

	if dropped := o.Queue.Push(event, salienceResult); dropped {
		o.logger.Warn("event rejected under backpressure", "event_id", event.ID, "source", event.Source)
		o.mu.Lock()
		delete(o.matchedByEvent, event.ID)
		o.mu.Unlock()
		return false, "queue_full"
	}
	return true, ""
}

// PublishEvents accepts a batch, calling PublishEvent for each (the same
// per-event handling the client-streaming PublishEvents RPC applies).
func (o *Orchestrator) PublishEvents(ctx context.Context, events []types.Event) []struct {
	Accepted     bool
	ErrorMessage string
} {
	out := make([]struct {
		Accepted     bool
		ErrorMessage string
	}, len(events))
	for i, ev := range events {
		accepted, msg := o.PublishEvent(ctx, ev)
		out[i].Accepted = accepted
		out[i].ErrorMessage = msg
	}
	return out
}

func (o *Orchestrator) dispatchSystemMetrics(event types.Event) {
	if o.metricsHandler == nil {
		return
	}
	// fire-and-forget background task; completion is logged, never silently
	// dropped.
	go func() {
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("system metrics handler panicked", "event_id", event.ID, "recovered", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), PublishTimeout)
		defer cancel()
		o.metricsHandler(ctx, event)
	}()
}

// resolveSalience evaluates salience for an event that did not arrive
// pre-scored, applying the graceful-degradation fallback vector if the
// gateway is unreachable or its call exceeds the salience RPC budget. The
// returned string is the matched heuristic id, if the gateway found one.
func (o *Orchestrator) resolveSalience(ctx context.Context, event types.Event) (types.SalienceResult, string, error) {
	if event.Salience != nil {
		return *event.Salience, "", nil
	}
	if o.salienceGw == nil {
		return types.DefaultSalienceResult(0.75, ""), "", nil
	}

	salCtx, cancel := context.WithTimeout(ctx, SalienceTimeout)
	defer cancel()

	type resT struct {
		res salience.EvaluateResult
	}
	done := make(chan resT, 1)
	go func() {
		done <- resT{o.salienceGw.EvaluateSalience(salCtx, event.ID, event.Source, event.RawText, event.StructuredPayload, event.EntityIDs)}
	}()

	select {
	case r := <-done:
		if r.res.Err != nil {
			return r.res.Salience, r.res.MatchedHeuristicID, r.res.Err
		}
		return r.res.Salience, r.res.MatchedHeuristicID, nil
	case <-salCtx.Done():
		return types.DefaultSalienceResult(0.75, ""), "", fmt.Errorf("salience gateway call exceeded %s budget", SalienceTimeout)
	}
}

// runWorker is the priority-queue worker loop: a poll/process shape
// generalized from session-claiming to blocking priority-queue pops.
func (o *Orchestrator) runWorker(ctx context.Context, workerID string) {
	defer o.wg.Done()
	log := o.logger.With("worker_id", workerID)
	log.Info("orchestrator worker started")

	for {
		select {
		case <-o.stopCh:
			log.Info("orchestrator worker shutting down")
			return
		case <-ctx.Done():
			return
		default:
		}

		event, sal, ok := o.Queue.Pop()
		if !ok {
			return // queue closed
		}
		o.route(ctx, event, sal)
	}
}

// route dispatches an already-salience-scored event to its fast or slow
// path (the salience bypass/evaluation already happened in PublishEvent).
// A heuristic match always takes the fast path (no LLM call) regardless of
// salience; only an unmatched event is routed on the threat/high_threshold
// rule.
func (o *Orchestrator) route(ctx context.Context, event types.Event, sal types.SalienceResult) {
	o.mu.Lock()
	matchedHeuristicID := o.matchedByEvent[event.ID]
	delete(o.matchedByEvent, event.ID)
	o.mu.Unlock()

	var (
		decisionPath string
		result       ExecResult
	)

	switch {
	case matchedHeuristicID != "":
		decisionPath = types.PathFast
	case sal.Threat > 0, sal.Salience >= o.cfg.HighThreshold:
		decisionPath = types.PathSlow
		result = o.dispatchSlowPath(ctx, event)
	default:
		decisionPath = types.PathBatch
		// batch/moment-path events are not individually dispatched to the
		// executive; they accumulate for periodic ProcessMoment drains
		// (owned by the cmd/gladys wiring layer's scheduler), but are still
		// persisted below so the batch drain has episodes to read.
	}

	ep := &types.EpisodicEvent{
		Event:              event,
		ComputedSalience:   sal.Salience,
		DecisionPath:       decisionPath,
		MatchedHeuristicID: matchedHeuristicID,
	}
	if decisionPath == types.PathSlow {
		ep.ResponseID = result.ResponseID
		ep.ResponseText = result.ResponseText
		if result.PredictedSuccess != 0 {
			ep.PredictedSuccess = &result.PredictedSuccess
		}
		if result.PredictionConfidence != 0 {
			ep.PredictionConfidence = &result.PredictionConfidence
		}
	}

	episodicID, err := o.memory.StoreEpisode(ctx, ep)
	if err != nil {
		o.logger.Error("failed to persist episode", "event_id", event.ID, "error", err)
		episodicID = ""
	}

	if matchedHeuristicID != "" {
		// fire-and-forget: never silently dropped, completion always logged.
		go func() {
			defer func() {
				if r := recover(); r != nil {
					o.logger.Error("heuristic fire recording panicked", "event_id", event.ID, "recovered", r)
				}
			}()
			if err := o.RecordFastPathFire(context.Background(), matchedHeuristicID, event.ID, episodicID); err != nil {
				o.logger.Error("failed to record heuristic fire", "event_id", event.ID, "heuristic_id", matchedHeuristicID, "error", err)
			}
		}()
	}

	o.Subscribers.Publish(event)
}

// dispatchSlowPath invokes the executive within the slow-path RPC budget.
func (o *Orchestrator) dispatchSlowPath(ctx context.Context, event types.Event) ExecResult {
	if o.executive == nil {
		return ExecResult{Accepted: true, ErrorMessage: "no_executive_configured"}
	}
	slowCtx, cancel := context.WithTimeout(ctx, SlowPathTimeout)
	defer cancel()
	return o.executive.ProcessEvent(slowCtx, event, true)
}

// RecordFastPathFire records a heuristic-matched fast-path response and
// registers it with the outcome watcher — called by route() in a background
// goroutine once a heuristic match has sent an event down the fast path
// without reaching the executive.
func (o *Orchestrator) RecordFastPathFire(ctx context.Context, heuristicID, eventID, episodicEventID string) error {
	fire, err := o.memory.RecordHeuristicFire(ctx, heuristicID, eventID, episodicEventID)
	if err != nil {
		return err
	}
	o.Outcome.RegisterFire(fire.ID, heuristicID, eventID)
	return nil
}

// ProvideFeedback forwards feedback to the Decision/Learning Layer and
// resolves any pending heuristic fire correlated with the event.
func (o *Orchestrator) ProvideFeedback(ctx context.Context, event types.Event, responseText string, positive bool) FeedbackDispatchResult {
	outcome := types.OutcomeFail
	if positive {
		outcome = types.OutcomeSuccess
	}
	o.Outcome.mu.Lock()
	var fireID string
	if fireIDs := o.Outcome.byEvent[event.ID]; len(fireIDs) > 0 {
		fireID = fireIDs[len(fireIDs)-1]
	}
	o.Outcome.mu.Unlock()
	if fireID != "" {
		if err := o.Outcome.ResolveExplicit(ctx, fireID, outcome); err != nil {
			o.logger.Warn("failed to resolve pending fire from explicit feedback", "event_id", event.ID, "error", err)
		}
	}

	if o.executive == nil {
		return FeedbackDispatchResult{Rejected: "no_executive_configured"}
	}
	r := o.executive.ProvideFeedback(ctx, event, responseText, positive)
	return r
}

// RegisterComponent delegates to the Registry.
func (o *Orchestrator) RegisterComponent(id, componentType, address string, caps types.Capabilities) string {
	return o.Registry.Register(id, componentType, address, caps)
}

// UnregisterComponent delegates to the Registry.
func (o *Orchestrator) UnregisterComponent(id string) {
	o.Registry.Unregister(id)
}

// Heartbeat delegates to the Registry. No HeartbeatTimeout deadline is
// applied here or in pkg/rpc: the registry update is an in-memory operation
// with no blocking I/O to bound.
func (o *Orchestrator) Heartbeat(id string, state types.ComponentState, errorMsg string) ([]types.PendingCommand, error) {
	return o.Registry.Heartbeat(id, state, errorMsg)
}

// SendCommand delegates to the Registry.
func (o *Orchestrator) SendCommand(targetID string, command types.Command, args map[string]any) (string, error) {
	return o.Registry.SendCommand(targetID, command, args)
}

// ResolveComponent delegates to the Registry.
func (o *Orchestrator) ResolveComponent(id, componentType string) (*types.ComponentRegistration, bool) {
	return o.Registry.Resolve(id, componentType)
}

// Subscribe delegates to the SubscriberHub.
func (o *Orchestrator) Subscribe(subscriberID string, sourceFilters, eventTypes []string) (<-chan types.Event, func()) {
	return o.Subscribers.Subscribe(subscriberID, sourceFilters, eventTypes)
}

// runDeadComponentScanner periodically marks components with a stale
// heartbeat as DEAD. Jittered to avoid every orchestrator instance (in a
// future multi-instance deployment) scanning in lockstep.
func (o *Orchestrator) runDeadComponentScanner(ctx context.Context) {
	defer o.wg.Done()

	deadAfter := o.cfg.DeadComponentAfter
	if deadAfter <= 0 {
		deadAfter = 30 * time.Second
	}
	base := 10 * time.Second

	for {
		jitter := time.Duration(rand.Int64N(int64(2 * time.Second)))
		select {
		case <-o.stopCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(base - time.Second + jitter):
			dead := o.Registry.MarkDead(deadAfter)
			for _, id := range dead {
				o.logger.Warn("component marked dead after missed heartbeats", "component_id", id)
			}
		}
	}
}
