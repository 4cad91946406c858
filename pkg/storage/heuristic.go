package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/gladys-project/gladys/pkg/types"
)

// ErrFireAlreadyResolved is returned by ResolveHeuristicFire on any attempt
// after the first successful resolution.
var ErrFireAlreadyResolved = errors.New("storage: heuristic fire already resolved")

// ErrHeuristicFrozen is returned when a confidence update targets a frozen
// heuristic; the call is a no-op, not an error the caller must propagate as
// fatal, but callers that want to log the rejected attempt check for it.
var ErrHeuristicFrozen = errors.New("storage: heuristic is frozen")

// HeuristicRepo persists heuristics and their fire/feedback lifecycle, and
// keeps the sqlite-vec mirror in sync with every insert/confidence update.
type HeuristicRepo struct {
	db  *sqlx.DB
	vec *VecIndex
}

type heuristicRow struct {
	Seq                 int64           `db:"seq"`
	ID                  string          `db:"id"`
	Name                string          `db:"name"`
	ConditionText       string          `db:"condition_text"`
	ConditionDomain     string          `db:"condition_domain"`
	ActionMessage       string          `db:"action_message"`
	ActionExtra         []byte          `db:"action_extra"`
	ConditionEmbedding  pqFloatArray    `db:"condition_embedding"`
	SimilarityThreshold float64         `db:"similarity_threshold"`
	Confidence          float64         `db:"confidence"`
	Alpha               float64         `db:"alpha"`
	Beta                float64         `db:"beta"`
	FireCount           int64           `db:"fire_count"`
	SuccessCount        int64           `db:"success_count"`
	Origin              string          `db:"origin"`
	OriginID            string          `db:"origin_id"`
	Source              string          `db:"source"`
	Frozen              bool            `db:"frozen"`
	LastFired           sql.NullTime    `db:"last_fired"`
	LastAccessed        sql.NullTime    `db:"last_accessed"`
	CreatedAt           time.Time       `db:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at"`
	Version             int64           `db:"version"`
}

func (r heuristicRow) toDomain() (*types.Heuristic, error) {
	var extra map[string]any
	if len(r.ActionExtra) > 0 {
		if err := json.Unmarshal(r.ActionExtra, &extra); err != nil {
			return nil, fmt.Errorf("unmarshal action_extra: %w", err)
		}
	}
	h := &types.Heuristic{
		ID:                  r.ID,
		Name:                r.Name,
		Condition:           types.Condition{Text: r.ConditionText, Domain: r.ConditionDomain},
		Action:              types.Action{Message: r.ActionMessage, Extra: extra},
		ConditionEmbedding:  []float64(r.ConditionEmbedding),
		SimilarityThreshold: r.SimilarityThreshold,
		Confidence:          r.Confidence,
		Alpha:               r.Alpha,
		Beta:                r.Beta,
		FireCount:           r.FireCount,
		SuccessCount:        r.SuccessCount,
		Origin:              types.HeuristicOrigin(r.Origin),
		OriginID:            r.OriginID,
		Source:              r.Source,
		Frozen:              r.Frozen,
		CreatedAt:           r.CreatedAt,
		UpdatedAt:           r.UpdatedAt,
	}
	if r.LastFired.Valid {
		h.LastFired = &r.LastFired.Time
	}
	if r.LastAccessed.Valid {
		h.LastAccessed = &r.LastAccessed.Time
	}
	return h, nil
}

// Embedder generates a fixed-dimension embedding for a piece of text,
// deterministic per (model id, text).
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float64, string, error)
}

// StoreHeuristic inserts a new heuristic, generating its condition embedding
// via embedder when generateEmbedding is true and none was supplied, and
// mirrors it into the ANN vec index. Emitting NotifyHeuristicChange(created)
// to the Salience Gateway is the caller's responsibility (this repo only
// owns persistence).
func (r *HeuristicRepo) StoreHeuristic(ctx context.Context, h *types.Heuristic, generateEmbedding bool, embedder Embedder) (*types.Heuristic, error) {
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
	if h.SimilarityThreshold == 0 {
		h.SimilarityThreshold = types.DefaultSimilarityThreshold
	}
	if h.Alpha == 0 {
		h.Alpha = types.DefaultAlphaBeta
	}
	if h.Beta == 0 {
		h.Beta = types.DefaultAlphaBeta
	}
	h.RecomputeConfidence()

	if len(h.ConditionEmbedding) == 0 && generateEmbedding && embedder != nil {
		emb, _, err := embedder.Embed(ctx, h.Condition.Text)
		if err != nil {
			return nil, fmt.Errorf("generate condition embedding: %w", err)
		}
		h.ConditionEmbedding = emb
	}

	extra, err := json.Marshal(h.Action.Extra)
	if err != nil {
		return nil, fmt.Errorf("marshal action_extra: %w", err)
	}

	var seq int64
	err = r.db.QueryRowContext(ctx, `
		INSERT INTO heuristics (
			id, name, condition_text, condition_domain, action_message, action_extra,
			condition_embedding, similarity_threshold, confidence, alpha, beta,
			fire_count, success_count, origin, origin_id, source, frozen
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
		RETURNING seq
	`,
		h.ID, h.Name, h.Condition.Text, h.Condition.Domain, h.Action.Message, extra,
		pqFloatArray(h.ConditionEmbedding), h.SimilarityThreshold, h.Confidence, h.Alpha, h.Beta,
		h.FireCount, h.SuccessCount, string(h.Origin), h.OriginID, h.Source, h.Frozen,
	).Scan(&seq)
	if err != nil {
		return nil, fmt.Errorf("store heuristic: %w", err)
	}

	if len(h.ConditionEmbedding) > 0 && r.vec != nil {
		if err := r.vec.Upsert(seq, h.ID, h.ConditionEmbedding); err != nil {
			return nil, fmt.Errorf("mirror heuristic embedding: %w", err)
		}
	}
	return h, nil
}

// QueryMatchingHeuristics runs the ANN vec index for candidates, then joins
// back to Postgres for the full row, applying the exact-match source filter
// and minimum-confidence floor. NULL-source heuristics are excluded whenever
// sourceFilter is non-empty.
func (r *HeuristicRepo) QueryMatchingHeuristics(ctx context.Context, queryEmbedding []float64, sourceFilter string, minSimilarity, minConfidence float64, limit int) ([]*types.Heuristic, error) {
	if r.vec == nil {
		return nil, fmt.Errorf("vec index not configured")
	}
	matches, err := r.vec.Query(queryEmbedding, limit*3, minSimilarity)
	if err != nil {
		return nil, fmt.Errorf("vec query: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	ids := make([]string, len(matches))
	simByID := make(map[string]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.HeuristicID
		simByID[m.HeuristicID] = m.Similarity
	}

	query, args, err := sqlx.In(`
		SELECT * FROM heuristics
		WHERE id IN (?) AND confidence >= ? AND NOT frozen
		  AND ( ? = '' OR source = ? )
	`, ids, minConfidence, sourceFilter, sourceFilter)
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	query = r.db.Rebind(query)

	var rows []heuristicRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("query matching heuristics: %w", err)
	}

	out := make([]*types.Heuristic, 0, len(rows))
	for _, row := range rows {
		h, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	// Stable-sort by descending similarity from the ANN pass; Postgres's IN
	// clause does not preserve vec0's distance ordering.
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && simByID[out[j].ID] > simByID[out[j-1].ID]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// UpdateHeuristicConfidence applies the Beta-Binomial update
// (α += 1 on success, β += 1 on failure) as a single-writer compare-and-update
// transaction keyed on the row's version. Frozen heuristics are rejected
// with ErrHeuristicFrozen and left untouched.
func (r *HeuristicRepo) UpdateHeuristicConfidence(ctx context.Context, id string, positive bool, feedbackSource types.FeedbackSource, weight float64) (*types.Heuristic, error) {
	if weight <= 0 {
		weight = 1
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin confidence update: %w", err)
	}
	defer tx.Rollback()

	var row heuristicRow
	if err := tx.GetContext(ctx, &row, `SELECT * FROM heuristics WHERE id = $1 FOR UPDATE`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("heuristic %s not found", id)
		}
		return nil, fmt.Errorf("lock heuristic: %w", err)
	}
	if row.Frozen {
		return nil, ErrHeuristicFrozen
	}

	h, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	if positive {
		h.Alpha += weight
		h.SuccessCount++
	} else {
		h.Beta += weight
	}
	h.FireCount++
	h.RecomputeConfidence()
	now := time.Now()
	h.LastFired = &now

	_, err = tx.ExecContext(ctx, `
		UPDATE heuristics SET
			alpha = $1, beta = $2, confidence = $3, fire_count = $4,
			success_count = $5, last_fired = $6, updated_at = now(), version = version + 1
		WHERE id = $7 AND version = $8
	`, h.Alpha, h.Beta, h.Confidence, h.FireCount, h.SuccessCount, now, id, row.Version)
	if err != nil {
		return nil, fmt.Errorf("apply confidence update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit confidence update: %w", err)
	}
	_ = feedbackSource // recorded by the caller alongside the FeedbackEvent row
	return h, nil
}

// RecordHeuristicFire appends an audit row for a heuristic match. Fires are
// append-only; resolution happens separately via ResolveHeuristicFire.
func (r *HeuristicRepo) RecordHeuristicFire(ctx context.Context, heuristicID, eventID, episodicEventID string) (*types.HeuristicFire, error) {
	fire := &types.HeuristicFire{
		ID:          uuid.NewString(),
		HeuristicID: heuristicID,
		EventID:     eventID,
		FiredAt:     time.Now(),
		Outcome:     types.OutcomeUnknown,
	}
	var episodicID any
	if episodicEventID != "" {
		episodicID = episodicEventID
		fire.EpisodicEventID = episodicEventID
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO heuristic_fires (id, heuristic_id, event_id, episodic_event_id, fired_at, outcome)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, fire.ID, fire.HeuristicID, fire.EventID, episodicID, fire.FiredAt, string(fire.Outcome))
	if err != nil {
		return nil, fmt.Errorf("record heuristic fire: %w", err)
	}
	return fire, nil
}

// ResolveHeuristicFire resolves a fire's outcome exactly once: the first
// caller wins, and every subsequent attempt returns ErrFireAlreadyResolved
// without modifying the row.
func (r *HeuristicRepo) ResolveHeuristicFire(ctx context.Context, fireID string, outcome types.FireOutcome, feedbackSource types.FeedbackSource) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE heuristic_fires
		SET outcome = $1, feedback_source = $2, feedback_at = now()
		WHERE id = $3 AND outcome = $4
	`, string(outcome), string(feedbackSource), fireID, string(types.OutcomeUnknown))
	if err != nil {
		return fmt.Errorf("resolve heuristic fire: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resolve heuristic fire: %w", err)
	}
	if n == 0 {
		return ErrFireAlreadyResolved
	}
	return nil
}

// GetHeuristic fetches a single heuristic by id.
func (r *HeuristicRepo) GetHeuristic(ctx context.Context, id string) (*types.Heuristic, error) {
	var row heuristicRow
	if err := r.db.GetContext(ctx, &row, `SELECT * FROM heuristics WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get heuristic: %w", err)
	}
	return row.toDomain()
}

// HeuristicForFire returns the heuristic a given fire row points to, used by
// ProvideFeedback to locate the matched heuristic for a negative signal.
func (r *HeuristicRepo) HeuristicForFire(ctx context.Context, eventID string) (*types.Heuristic, string, error) {
	var fireID, heuristicID string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, heuristic_id FROM heuristic_fires WHERE event_id = $1 ORDER BY fired_at DESC LIMIT 1
	`, eventID).Scan(&fireID, &heuristicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("lookup fire for event: %w", err)
	}
	h, err := r.GetHeuristic(ctx, heuristicID)
	if err != nil {
		return nil, "", err
	}
	return h, fireID, nil
}
