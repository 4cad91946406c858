package main

import (
	"context"

	"github.com/gladys-project/gladys/pkg/executive"
	"github.com/gladys-project/gladys/pkg/memory"
	"github.com/gladys-project/gladys/pkg/orchestrator"
	"github.com/gladys-project/gladys/pkg/salience"
	"github.com/gladys-project/gladys/pkg/types"
)

// executiveAdapter adapts *executive.Executive to orchestrator.Executive.
// The two result types mirror each other field-for-field but are declared
// independently so pkg/orchestrator does not need to import pkg/executive —
// this is the one place that bridges them.
type executiveAdapter struct {
	e *executive.Executive
}

func (a executiveAdapter) ProcessEvent(ctx context.Context, event types.Event, immediate bool) orchestrator.ExecResult {
	r := a.e.ProcessEvent(ctx, event, immediate)
	return orchestrator.ExecResult{
		ResponseID:           r.ResponseID,
		ResponseText:         r.ResponseText,
		PredictedSuccess:     r.PredictedSuccess,
		PredictionConfidence: r.PredictionConfidence,
		Accepted:             r.Accepted,
		ErrorMessage:         r.ErrorMessage,
	}
}

func (a executiveAdapter) ProvideFeedback(ctx context.Context, event types.Event, responseText string, positive bool) orchestrator.FeedbackDispatchResult {
	r := a.e.ProvideFeedback(ctx, event, responseText, positive)
	out := orchestrator.FeedbackDispatchResult{Rejected: r.Rejected}
	if r.HeuristicCreated != nil {
		out.HeuristicCreatedID = r.HeuristicCreated.ID
	}
	if r.HeuristicUpdated != nil {
		out.HeuristicUpdatedID = r.HeuristicUpdated.ID
	}
	return out
}

// gatewayNotifierAdapter adapts *salience.Gateway to memory.HeuristicChangeNotifier,
// translating between the two packages' independently declared ChangeType
// enums (kept separate so neither package imports the other).
type gatewayNotifierAdapter struct {
	gw *salience.Gateway
}

func (a *gatewayNotifierAdapter) NotifyHeuristicChange(heuristicID string, change memory.ChangeType, updated *types.Heuristic) {
	if a.gw == nil {
		return
	}
	var sc salience.ChangeType
	switch change {
	case memory.ChangeDeleted:
		sc = salience.ChangeDeleted
	case memory.ChangeCreated:
		sc = salience.ChangeCreated
	default:
		sc = salience.ChangeUpdated
	}
	a.gw.NotifyHeuristicChange(heuristicID, sc, updated)
}
