package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"gonum.org/v1/gonum/floats"

	"github.com/gladys-project/gladys/pkg/types"
)

// EpisodeRepo persists episodic events — one row per event that reached
// persistence, append-only except for access bookkeeping and archiving
// (ArchiveOlderThan).
type EpisodeRepo struct {
	db *sqlx.DB
}

type episodeRow struct {
	ID                   string          `db:"id"`
	EventID              string          `db:"event_id"`
	OccurredAt           time.Time       `db:"occurred_at"`
	Source               string          `db:"source"`
	RawText              string          `db:"raw_text"`
	StructuredPayload    []byte          `db:"structured_payload"`
	Embedding            pqFloatArray    `db:"embedding"`
	ComputedSalience     float64         `db:"computed_salience"`
	DecisionPath         string          `db:"decision_path"`
	MatchedHeuristicID   sql.NullString  `db:"matched_heuristic_id"`
	ResponseID           string          `db:"response_id"`
	ResponseText         string          `db:"response_text"`
	PredictedSuccess     sql.NullFloat64 `db:"predicted_success"`
	PredictionConfidence sql.NullFloat64 `db:"prediction_confidence"`
	EntityIDs            pqTextArray     `db:"entity_ids"`
	EpisodeRef           string          `db:"episode_ref"`
	Archived             bool            `db:"archived"`
	AccessCount          int64           `db:"access_count"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

func (r episodeRow) toDomain() (*types.EpisodicEvent, error) {
	var payload map[string]any
	if len(r.StructuredPayload) > 0 {
		if err := json.Unmarshal(r.StructuredPayload, &payload); err != nil {
			return nil, fmt.Errorf("unmarshal structured_payload: %w", err)
		}
	}
	ep := &types.EpisodicEvent{
		Event: types.Event{
			ID:                r.EventID,
			Timestamp:         r.OccurredAt,
			Source:            r.Source,
			RawText:           r.RawText,
			StructuredPayload: payload,
			EntityIDs:         []string(r.EntityIDs),
		},
		Embedding:          []float64(r.Embedding),
		ComputedSalience:   r.ComputedSalience,
		Archived:           r.Archived,
		AccessCount:        r.AccessCount,
		ResponseID:         r.ResponseID,
		ResponseText:       r.ResponseText,
		DecisionPath:       r.DecisionPath,
		EpisodeRef:         r.EpisodeRef,
		MatchedHeuristicID: r.MatchedHeuristicID.String,
	}
	if r.PredictedSuccess.Valid {
		ep.PredictedSuccess = &r.PredictedSuccess.Float64
	}
	if r.PredictionConfidence.Valid {
		ep.PredictionConfidence = &r.PredictionConfidence.Float64
	}
	return ep, nil
}

// StoreEpisode persists an episode, idempotent on event_id: a second call
// with the same event id updates nothing and returns the existing row's id.
func (r *EpisodeRepo) StoreEpisode(ctx context.Context, ep *types.EpisodicEvent) (string, error) {
	payload, err := json.Marshal(ep.StructuredPayload)
	if err != nil {
		return "", fmt.Errorf("marshal structured_payload: %w", err)
	}

	id := uuid.NewString()
	var matchedHeuristicID any
	if ep.MatchedHeuristicID != "" {
		matchedHeuristicID = ep.MatchedHeuristicID
	}

	row := struct {
		ID                   string
		EventID              string
		OccurredAt           time.Time
		Source               string
		RawText              string
		StructuredPayload    []byte
		Embedding            pqFloatArray
		ComputedSalience     float64
		DecisionPath         string
		MatchedHeuristicID   any
		ResponseID           string
		ResponseText         string
		PredictedSuccess     *float64
		PredictionConfidence *float64
		EntityIDs            pqTextArray
		EpisodeRef            string
	}{
		ID:                   id,
		EventID:              ep.ID,
		OccurredAt:           ep.Timestamp,
		Source:               ep.Source,
		RawText:              ep.RawText,
		StructuredPayload:    payload,
		Embedding:            ep.Embedding,
		ComputedSalience:     ep.ComputedSalience,
		DecisionPath:         ep.DecisionPath,
		MatchedHeuristicID:   matchedHeuristicID,
		ResponseID:           ep.ResponseID,
		ResponseText:         ep.ResponseText,
		PredictedSuccess:     ep.PredictedSuccess,
		PredictionConfidence: ep.PredictionConfidence,
		EntityIDs:            ep.EntityIDs,
		EpisodeRef:           ep.EpisodeRef,
	}

	var resultID string
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO episodic_events (
			id, event_id, occurred_at, source, raw_text, structured_payload,
			embedding, computed_salience, decision_path, matched_heuristic_id,
			response_id, response_text, predicted_success, prediction_confidence,
			entity_ids, episode_ref
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (event_id) DO UPDATE SET event_id = episodic_events.event_id
		RETURNING id
	`,
		row.ID, row.EventID, row.OccurredAt, row.Source, row.RawText, row.StructuredPayload,
		row.Embedding, row.ComputedSalience, row.DecisionPath, row.MatchedHeuristicID,
		row.ResponseID, row.ResponseText, row.PredictedSuccess, row.PredictionConfidence,
		row.EntityIDs, row.EpisodeRef,
	).Scan(&resultID)
	if err != nil {
		return "", fmt.Errorf("store episode: %w", err)
	}
	return resultID, nil
}

// QueryByTime returns episodes ordered by descending recency.
func (r *EpisodeRepo) QueryByTime(ctx context.Context, source string, limit int) ([]*types.EpisodicEvent, error) {
	var rows []episodeRow
	q := `SELECT * FROM episodic_events WHERE ($1 = '' OR source = $1) ORDER BY occurred_at DESC LIMIT $2`
	if err := r.db.SelectContext(ctx, &rows, q, source, limit); err != nil {
		return nil, fmt.Errorf("query episodes by time: %w", err)
	}
	return rowsToDomain(rows)
}

// QueryBySimilarity returns episodes ordered by descending cosine similarity
// to queryEmbedding, computed in Go since episodic-event similarity search is
// not latency-critical (unlike heuristic matching) and has no dedicated ANN
// mirror in this implementation.
func (r *EpisodeRepo) QueryBySimilarity(ctx context.Context, queryEmbedding []float64, source string, limit int) ([]*types.EpisodicEvent, error) {
	var rows []episodeRow
	q := `SELECT * FROM episodic_events WHERE ($1 = '' OR source = $1) AND embedding IS NOT NULL`
	if err := r.db.SelectContext(ctx, &rows, q, source); err != nil {
		return nil, fmt.Errorf("query episodes by similarity: %w", err)
	}

	type scored struct {
		ep  episodeRow
		sim float64
	}
	scoredRows := make([]scored, 0, len(rows))
	for _, row := range rows {
		scoredRows = append(scoredRows, scored{ep: row, sim: cosineSimilarity(queryEmbedding, []float64(row.Embedding))})
	}
	// simple insertion sort descending by similarity; episodic volumes are
	// expected to stay small enough on a single node that this avoids
	// pulling in a sort-with-closure dependency here.
	for i := 1; i < len(scoredRows); i++ {
		for j := i; j > 0 && scoredRows[j].sim > scoredRows[j-1].sim; j-- {
			scoredRows[j], scoredRows[j-1] = scoredRows[j-1], scoredRows[j]
		}
	}
	if limit > 0 && len(scoredRows) > limit {
		scoredRows = scoredRows[:limit]
	}
	out := make([]episodeRow, len(scoredRows))
	for i, s := range scoredRows {
		out[i] = s.ep
	}
	return rowsToDomain(out)
}

// ArchiveOlderThan flags up to limit not-yet-archived episodes occurring
// before cutoff, oldest first, and returns how many rows were touched.
func (r *EpisodeRepo) ArchiveOlderThan(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE episodic_events SET archived = TRUE
		WHERE id IN (
			SELECT id FROM episodic_events
			WHERE NOT archived AND occurred_at < $1
			ORDER BY occurred_at ASC
			LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("archive old episodes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("archive old episodes: %w", err)
	}
	return n, nil
}

func rowsToDomain(rows []episodeRow) ([]*types.EpisodicEvent, error) {
	out := make([]*types.EpisodicEvent, 0, len(rows))
	for _, row := range rows {
		ep, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

func cosineSimilarity(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}
